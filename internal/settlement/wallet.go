package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/ridepay/internal/partners"
	"github.com/MarkoPoloResearchLab/ridepay/internal/payoutrail"
	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"go.uber.org/zap"
)

const (
	walletKeyPrefix   = "wallet_payment_"
	transferKeyPrefix = "transfer_"
	walletReason      = "Ride payment"

	messageNoWalletPayment = "no wallet payment for booking"

	metadataKeyDriverID = "driverId"
	metadataKeyExternal = "external_reference"

	stageConversion = "conversion"
	stageLiquidity  = "liquidity"
	stageTransfer   = "transfer"
	stageSettlement = "settlement"
	stageRollback   = "rollback"
	stageWebhook    = "webhook"
)

// WalletPaymentRequest pays a booking from the rider's wallet to the driver's payout account.
type WalletPaymentRequest struct {
	BookingID string
	UserID    string
	DriverID  string
	Amount    int64
}

// WalletPaymentResult describes a settled wallet payment. Amounts in the rail currency are marked as such.
type WalletPaymentResult struct {
	TransactionID   string
	TransferID      string
	Amount          ledger.Amount
	PlatformFee     ledger.Amount
	DriverShare     ledger.Amount
	RailCurrency    string
	RailDriverShare ledger.Amount
	Replayed        bool
}

// PaymentStatus is the ledger view of a booking's wallet payment.
type PaymentStatus struct {
	TransactionID string
	BookingID     string
	Status        ledger.TransactionStatus
	Amount        ledger.Amount
	TransferID    string
}

type walletPayment struct {
	bookingID string
	userID    ledger.UserID
	driverID  string
	amount    ledger.PositiveAmount
	key       ledger.IdempotencyKey
}

// WalletKey is the ledger idempotency key of a booking's wallet payment.
func WalletKey(bookingID string) string {
	return walletKeyPrefix + strings.TrimSpace(bookingID)
}

// TransferKey is the payout-rail idempotency key of a booking's transfer.
func TransferKey(bookingID string, userID string) string {
	return transferKeyPrefix + strings.TrimSpace(bookingID) + "_" + strings.TrimSpace(userID)
}

// PayFromWallet runs the payout saga: reserve, convert, check rail liquidity, transfer, settle, notify.
// Past the reservation the saga ignores caller cancellation and always reaches a terminal state.
func (service *Service) PayFromWallet(ctx context.Context, request WalletPaymentRequest) (WalletPaymentResult, error) {
	result, err := service.payFromWallet(ctx, request)
	if err == nil && result.Replayed {
		service.recordReplay(flowWallet)
		return result, nil
	}
	service.recordOutcome(flowWallet, err)
	return result, err
}

func (service *Service) payFromWallet(ctx context.Context, request WalletPaymentRequest) (WalletPaymentResult, error) {
	payment, err := validateWalletPayment(request)
	if err != nil {
		return WalletPaymentResult{}, err
	}
	account, err := service.driverAccounts.FindDriverAccount(ctx, payment.driverID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownDriverAccount) {
			return WalletPaymentResult{}, invalidRequest("driver has no payout account")
		}
		return WalletPaymentResult{}, newFailure(KindInternal, "driver account lookup failed", "", err)
	}
	transfersActive, err := service.rail.TransfersActive(ctx, account.AccountID)
	if err != nil {
		return WalletPaymentResult{}, newFailure(KindExternalFailure, "driver payout account check failed", "", err)
	}
	if !transfersActive {
		return WalletPaymentResult{}, invalidRequest("driver payout account cannot receive transfers")
	}

	metadata, err := ledger.MetadataFromMap(map[string]any{metadataKeyDriverID: payment.driverID})
	if err != nil {
		return WalletPaymentResult{}, newFailure(KindInternal, "metadata encoding failed", "", err)
	}
	reservation, err := service.wallets.Reserve(ctx, ledger.ReserveRequest{
		UserID:         payment.userID,
		Amount:         payment.amount,
		IdempotencyKey: payment.key,
		Reason:         walletReason,
		ReferenceID:    payment.bookingID,
		Metadata:       metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return WalletPaymentResult{}, newFailure(KindInsufficientFunds, "insufficient wallet balance", "", err)
		case errors.Is(err, ledger.ErrIdempotencyKeyConflict):
			return WalletPaymentResult{}, newFailure(KindConflict, "booking already paid with different parameters", "", err)
		default:
			return WalletPaymentResult{}, newFailure(KindInternal, "reservation failed", "", err)
		}
	}
	pending := reservation.Transaction
	platformFee, driverShare := SplitFee(pending.Amount, service.settings.FeeBasisPoints)
	if reservation.Replayed {
		return service.replayWalletPayment(pending, platformFee, driverShare)
	}

	// Past this point the saga must reach a terminal state even if the caller goes away.
	sagaCtx := context.WithoutCancel(ctx)
	transactionID, err := ledger.NewTransactionID(pending.ID)
	if err != nil {
		return WalletPaymentResult{}, newFailure(KindReconciliationRequired, "reservation has no id", "", err)
	}
	saga := sagaRun{service: service, payment: payment, transactionID: transactionID}

	converted, err := service.converter.Convert(pending.Amount, service.wallets.Currency(), service.railCurrency)
	if err != nil {
		return WalletPaymentResult{}, saga.compensate(sagaCtx, stageConversion, newFailure(KindInternal, "currency conversion failed", pending.ID, err))
	}
	_, railDriverShare := SplitFee(converted, service.settings.FeeBasisPoints)
	if railDriverShare <= 0 {
		return WalletPaymentResult{}, saga.compensate(sagaCtx, stageConversion, newFailure(KindInvalidRequest, "amount too small to pay out", pending.ID, nil))
	}

	railCurrency := strings.ToLower(service.railCurrency.String())
	available, err := service.rail.AvailableBalance(sagaCtx, railCurrency)
	if err != nil {
		return WalletPaymentResult{}, saga.compensate(sagaCtx, stageLiquidity, newFailure(KindExternalFailure, "payout rail balance unavailable", pending.ID, err))
	}
	if available < railDriverShare {
		service.logger.Warn("platform liquidity short",
			zap.String(logFieldBookingID, payment.bookingID),
			zap.Int64("required", railDriverShare.Int64()),
			zap.Int64("available", available.Int64()),
			zap.String("currency", railCurrency),
		)
		return WalletPaymentResult{}, saga.compensate(sagaCtx, stageLiquidity, newFailure(KindInsufficientFunds, "platform does not have enough funds to pay the driver", pending.ID, nil))
	}

	transfer, err := service.rail.CreateTransfer(sagaCtx, payoutrail.TransferRequest{
		Amount:         railDriverShare,
		Currency:       railCurrency,
		Destination:    account.AccountID,
		IdempotencyKey: TransferKey(payment.bookingID, payment.userID.String()),
		BookingID:      payment.bookingID,
	})
	if err != nil {
		return WalletPaymentResult{}, saga.compensate(sagaCtx, stageTransfer, newFailure(KindExternalFailure, "payout transfer failed", pending.ID, err))
	}

	settled, err := service.wallets.Settle(sagaCtx, transactionID, transfer.ID)
	if err != nil {
		failure := newFailure(KindReconciliationRequired, "transfer sent but ledger settlement failed", transfer.ID, err)
		service.alertReconciliation(flowWallet, stageSettlement, payment.bookingID, pending.ID, transfer.ID, err)
		return WalletPaymentResult{}, failure
	}

	service.notifyCompleted(flowWallet, partners.PaymentData{
		BookingID:       payment.bookingID,
		UserID:          payment.userID.String(),
		DriverID:        payment.driverID,
		PlatformFee:     platformFee,
		DriverShare:     driverShare,
		IsAddCommission: false,
		PaymentStatus:   partners.PaymentStatusCompleted,
		PaymentMode:     partners.PaymentModeWallet,
	}, settled.ID)

	return WalletPaymentResult{
		TransactionID:   settled.ID,
		TransferID:      transfer.ID,
		Amount:          settled.Amount,
		PlatformFee:     platformFee,
		DriverShare:     driverShare,
		RailCurrency:    railCurrency,
		RailDriverShare: railDriverShare,
	}, nil
}

// WalletPaymentStatus reports the ledger state of a booking's wallet payment so callers that timed out can poll.
// Payments owned by another user are reported as unknown.
func (service *Service) WalletPaymentStatus(ctx context.Context, rawUserID string, bookingID string) (PaymentStatus, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return PaymentStatus{}, invalidRequest("user id is required")
	}
	if strings.TrimSpace(bookingID) == "" {
		return PaymentStatus{}, invalidRequest("booking id is required")
	}
	key, err := ledger.NewIdempotencyKey(WalletKey(bookingID))
	if err != nil {
		return PaymentStatus{}, invalidRequest("booking id is required")
	}
	transaction, err := service.wallets.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownTransaction) {
			return PaymentStatus{}, invalidRequest(messageNoWalletPayment)
		}
		return PaymentStatus{}, newFailure(KindInternal, "payment lookup failed", "", err)
	}
	if transaction.UserID != userID.String() {
		return PaymentStatus{}, invalidRequest(messageNoWalletPayment)
	}
	return PaymentStatus{
		TransactionID: transaction.ID,
		BookingID:     transaction.ReferenceID,
		Status:        transaction.Status,
		Amount:        transaction.Amount,
		TransferID:    externalReference(transaction),
	}, nil
}

func (service *Service) replayWalletPayment(transaction ledger.WalletTransaction, platformFee ledger.Amount, driverShare ledger.Amount) (WalletPaymentResult, error) {
	switch transaction.Status {
	case ledger.TransactionStatusSettled:
		return WalletPaymentResult{
			TransactionID: transaction.ID,
			TransferID:    externalReference(transaction),
			Amount:        transaction.Amount,
			PlatformFee:   platformFee,
			DriverShare:   driverShare,
			RailCurrency:  strings.ToLower(service.railCurrency.String()),
			Replayed:      true,
		}, nil
	case ledger.TransactionStatusPending:
		return WalletPaymentResult{}, newFailure(KindConflict, "payment is already being processed for this booking", transaction.ID, nil)
	default:
		return WalletPaymentResult{}, newFailure(KindConflict, "payment already attempted for this booking and failed", transaction.ID, nil)
	}
}

type sagaRun struct {
	service       *Service
	payment       walletPayment
	transactionID ledger.TransactionID
}

// compensate releases the reservation and returns cause, or a reconciliation failure when the release fails.
func (saga sagaRun) compensate(ctx context.Context, stage string, cause *Failure) error {
	service := saga.service
	service.recordCompensation(stage)
	reason := fmt.Sprintf("%s failure compensation: %s", stage, cause.Message)
	if _, err := service.wallets.Release(ctx, saga.transactionID, reason); err != nil {
		service.alertReconciliation(flowWallet, stage, saga.payment.bookingID, saga.transactionID.String(), "", errors.Join(cause, err))
		return newFailure(KindReconciliationRequired, "payment failed and the reservation could not be released", saga.transactionID.String(), errors.Join(cause, err))
	}
	service.logger.Info("wallet payment compensated",
		zap.String(logFieldBookingID, saga.payment.bookingID),
		zap.String(logFieldTransactionID, saga.transactionID.String()),
		zap.String(logFieldStage, stage),
		zap.Error(cause),
	)
	return cause
}

func validateWalletPayment(request WalletPaymentRequest) (walletPayment, error) {
	bookingID := strings.TrimSpace(request.BookingID)
	if bookingID == "" {
		return walletPayment{}, invalidRequest("booking reference missing")
	}
	driverID := strings.TrimSpace(request.DriverID)
	if driverID == "" {
		return walletPayment{}, invalidRequest("driver id is required")
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return walletPayment{}, invalidRequest("user id is required")
	}
	if request.Amount > maxPaymentAmount {
		return walletPayment{}, invalidRequest("invalid payment amount")
	}
	amount, err := ledger.NewPositiveAmount(request.Amount)
	if err != nil {
		return walletPayment{}, invalidRequest("invalid payment amount")
	}
	key, err := ledger.NewIdempotencyKey(WalletKey(bookingID))
	if err != nil {
		return walletPayment{}, invalidRequest("booking reference missing")
	}
	return walletPayment{bookingID: bookingID, userID: userID, driverID: driverID, amount: amount, key: key}, nil
}

func externalReference(transaction ledger.WalletTransaction) string {
	reference, _ := transaction.Metadata.Values()[metadataKeyExternal].(string)
	return reference
}
