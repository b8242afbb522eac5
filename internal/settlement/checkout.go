package settlement

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/ridepay/internal/partners"
	"github.com/MarkoPoloResearchLab/ridepay/internal/payoutrail"
	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"go.uber.org/zap"
)

const (
	checkoutKeyPrefix   = "booking_"
	successPathTemplate = "/payment-success?session_id={CHECKOUT_SESSION_ID}"
	cancelPath          = "/payment-cancel"

	metadataBookingID          = "bookingId"
	metadataUserID             = "userId"
	metadataDriverID           = "driverId"
	metadataLocalTransactionID = "localTransactionId"
	metadataAdminShare         = "adminShare"
	metadataDriverShare        = "driverShare"

	failureReasonSessionCreate = "checkout session creation failed"
	failureReasonNotSucceeded  = "payment not successful"
)

// CheckoutRequest opens a hosted card payment for a booking.
type CheckoutRequest struct {
	BookingID string
	UserID    string
	DriverID  string
	Amount    int64
}

// CheckoutResult identifies the hosted session the rider is sent to.
type CheckoutResult struct {
	TransactionID string
	SessionID     string
	URL           string
}

// WebhookResult reports what a webhook delivery changed.
type WebhookResult struct {
	EventType     string
	Handled       bool
	Duplicate     bool
	TransactionID string
}

// CheckoutKey is the idempotency key of a booking's checkout transaction.
func CheckoutKey(bookingID string) string {
	return checkoutKeyPrefix + strings.TrimSpace(bookingID)
}

// CreateCheckoutSession records a pending checkout transaction and opens a rail session routing the driver share
// to the driver's payout account. A failed earlier attempt for the same booking is reset and reused.
func (service *Service) CreateCheckoutSession(ctx context.Context, request CheckoutRequest) (CheckoutResult, error) {
	result, err := service.createCheckoutSession(ctx, request)
	if err != nil {
		service.recordOutcome(flowCheckout, err)
	}
	return result, err
}

func (service *Service) createCheckoutSession(ctx context.Context, request CheckoutRequest) (CheckoutResult, error) {
	payment, err := validateCashPayment(CashPaymentRequest(request))
	if err != nil {
		return CheckoutResult{}, err
	}
	account, err := service.driverAccounts.FindDriverAccount(ctx, payment.driverID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownDriverAccount) {
			return CheckoutResult{}, invalidRequest("driver has not completed payout onboarding")
		}
		return CheckoutResult{}, newFailure(KindInternal, "driver account lookup failed", "", err)
	}
	ready, err := service.rail.AccountReady(ctx, account.AccountID)
	if err != nil {
		return CheckoutResult{}, newFailure(KindExternalFailure, "driver payout account unavailable", "", err)
	}
	if !ready {
		return CheckoutResult{}, invalidRequest("driver cannot accept card payments yet, choose another payment option")
	}

	adminShare, driverShare := SplitFee(payment.amount, service.settings.FeeBasisPoints)
	checkout, err := service.openCheckout(ctx, payment, adminShare, driverShare)
	if err != nil {
		return CheckoutResult{}, err
	}

	session, err := service.rail.CreateCheckoutSession(ctx, payoutrail.CheckoutSessionRequest{
		Amount:             payment.amount,
		Currency:           strings.ToLower(service.wallets.Currency().String()),
		ApplicationFee:     adminShare,
		DestinationAccount: account.AccountID,
		SuccessURL:         service.settings.FrontendURL + successPathTemplate,
		CancelURL:          service.settings.FrontendURL + cancelPath,
		Metadata: map[string]string{
			metadataBookingID:          payment.bookingID,
			metadataUserID:             payment.userID,
			metadataDriverID:           payment.driverID,
			metadataLocalTransactionID: checkout.TransactionID,
			metadataAdminShare:         strconv.FormatInt(adminShare.Int64(), 10),
			metadataDriverShare:        strconv.FormatInt(driverShare.Int64(), 10),
		},
	})
	if err != nil {
		if failErr := service.checkouts.FailCheckout(context.WithoutCancel(ctx), checkout.ID, failureReasonSessionCreate); failErr != nil {
			service.logger.Warn("checkout failure not recorded", zap.String(logFieldTransactionID, checkout.TransactionID), zap.Error(failErr))
		}
		return CheckoutResult{}, newFailure(KindExternalFailure, "checkout session creation failed", checkout.TransactionID, err)
	}
	if err := service.checkouts.AttachCheckoutSession(ctx, checkout.ID, session.ID); err != nil {
		return CheckoutResult{}, newFailure(KindInternal, "checkout session not recorded", checkout.TransactionID, err)
	}
	return CheckoutResult{TransactionID: checkout.TransactionID, SessionID: session.ID, URL: session.URL}, nil
}

// openCheckout returns a pending checkout transaction for the booking, creating or resetting it.
func (service *Service) openCheckout(ctx context.Context, payment cashPayment, adminShare ledger.Amount, driverShare ledger.Amount) (ledger.CheckoutTransaction, error) {
	key, err := ledger.NewIdempotencyKey(CheckoutKey(payment.bookingID))
	if err != nil {
		return ledger.CheckoutTransaction{}, invalidRequest("booking reference missing")
	}
	existing, err := service.checkouts.FindCheckoutByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		switch existing.Status {
		case ledger.CheckoutStatusCompleted:
			return ledger.CheckoutTransaction{}, newFailure(KindConflict, "payment already processed", existing.TransactionID, nil)
		case ledger.CheckoutStatusPending:
			return ledger.CheckoutTransaction{}, newFailure(KindConflict, "payment already in progress", existing.TransactionID, nil)
		}
		if err := service.checkouts.ResetCheckout(ctx, existing.ID, payment.amount, adminShare, driverShare); err != nil {
			if errors.Is(err, ledger.ErrTransactionClosed) {
				return ledger.CheckoutTransaction{}, newFailure(KindConflict, "payment already in progress", existing.TransactionID, err)
			}
			return ledger.CheckoutTransaction{}, newFailure(KindInternal, "checkout reset failed", existing.TransactionID, err)
		}
		existing.Amount = payment.amount
		existing.AdminShare = adminShare
		existing.DriverShare = driverShare
		existing.Status = ledger.CheckoutStatusPending
		return existing, nil
	case errors.Is(err, ledger.ErrUnknownTransaction):
	default:
		return ledger.CheckoutTransaction{}, newFailure(KindInternal, "checkout lookup failed", "", err)
	}

	created, err := service.checkouts.CreateCheckout(ctx, ledger.CheckoutTransaction{
		BookingID:      payment.bookingID,
		UserID:         payment.userID,
		DriverID:       payment.driverID,
		Amount:         payment.amount,
		PaymentMethod:  ledger.PaymentMethodStripe,
		AdminShare:     adminShare,
		DriverShare:    driverShare,
		IdempotencyKey: key.String(),
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return ledger.CheckoutTransaction{}, newFailure(KindConflict, "payment already in progress", "", err)
		}
		return ledger.CheckoutTransaction{}, newFailure(KindInternal, "checkout creation failed", "", err)
	}
	return created, nil
}

// HandleWebhook verifies a rail webhook and completes the checkout transaction it confirms.
// Only checkout.session.completed is acted upon; repeated deliveries are acknowledged without notifying twice.
func (service *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (WebhookResult, error) {
	result, err := service.handleWebhook(ctx, payload, signatureHeader)
	switch {
	case err != nil:
		service.recordOutcome(flowCheckout, err)
	case result.Duplicate:
		service.recordReplay(flowCheckout)
	case result.Handled:
		service.recordOutcome(flowCheckout, nil)
	}
	return result, err
}

func (service *Service) handleWebhook(ctx context.Context, payload []byte, signatureHeader string) (WebhookResult, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return WebhookResult{}, invalidRequest("missing webhook signature")
	}
	event, err := service.rail.ParseWebhook(payload, signatureHeader)
	if err != nil {
		return WebhookResult{}, newFailure(KindInvalidRequest, "webhook verification failed", "", err)
	}
	result := WebhookResult{EventType: event.Type}
	if event.Type != payoutrail.EventCheckoutSessionCompleted {
		return result, nil
	}
	if event.PaymentIntentID == "" {
		return result, invalidRequest("payment intent missing from session")
	}
	transactionID, err := ledger.NewTransactionID(event.Metadata[metadataLocalTransactionID])
	if err != nil {
		return result, invalidRequest("session has no local transaction reference")
	}
	result.TransactionID = transactionID.String()

	succeeded, err := service.rail.PaymentSucceeded(ctx, event.PaymentIntentID)
	if err != nil {
		return result, newFailure(KindExternalFailure, "payment intent unavailable", transactionID.String(), err)
	}
	if !succeeded {
		return result, newFailure(KindExternalFailure, failureReasonNotSucceeded, transactionID.String(), nil)
	}

	checkout, err := service.checkouts.FindCheckoutByTransactionID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownTransaction) {
			return result, invalidRequest("unknown checkout transaction")
		}
		return result, newFailure(KindInternal, "checkout lookup failed", transactionID.String(), err)
	}
	completed, transitioned, err := service.checkouts.CompleteCheckout(ctx, checkout.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionClosed) {
			service.alertReconciliation(flowCheckout, stageWebhook, checkout.BookingID, checkout.TransactionID, event.PaymentIntentID, err)
			return result, newFailure(KindReconciliationRequired, "payment succeeded for a failed checkout", checkout.TransactionID, err)
		}
		return result, newFailure(KindInternal, "checkout completion failed", checkout.TransactionID, err)
	}
	result.Handled = true
	if !transitioned {
		result.Duplicate = true
		return result, nil
	}

	service.notifyCompleted(flowCheckout, partners.PaymentData{
		BookingID:       completed.BookingID,
		UserID:          completed.UserID,
		DriverID:        completed.DriverID,
		PlatformFee:     completed.AdminShare,
		DriverShare:     completed.DriverShare,
		IsAddCommission: false,
		PaymentStatus:   partners.PaymentStatusCompleted,
		PaymentMode:     partners.PaymentModeStripe,
	}, completed.TransactionID)
	return result, nil
}
