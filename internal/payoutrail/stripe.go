// Package payoutrail talks to Stripe for platform liquidity, driver transfers and hosted checkout.
package payoutrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	checkoutMode          = "payment"
	checkoutPaymentMethod = "card"
	checkoutProductName   = "Ride Payment"
	checkoutQuantity      = 1

	EventCheckoutSessionCompleted = string(stripe.EventTypeCheckoutSessionCompleted)
)

var (
	ErrRailUnavailable  = errors.New("payout rail request failed")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidEvent     = errors.New("invalid webhook event")
)

// TransferRequest moves amount of currency to a connected account.
type TransferRequest struct {
	Amount         ledger.Amount
	Currency       string
	Destination    string
	IdempotencyKey string
	BookingID      string
}

// Transfer is the rail's record of a completed transfer.
type Transfer struct {
	ID     string
	Amount ledger.Amount
}

// CheckoutSessionRequest describes a hosted card payment routed to a driver account.
type CheckoutSessionRequest struct {
	Amount             ledger.Amount
	Currency           string
	ApplicationFee     ledger.Amount
	DestinationAccount string
	SuccessURL         string
	CancelURL          string
	Metadata           map[string]string
}

// CheckoutSession identifies a created hosted checkout.
type CheckoutSession struct {
	ID  string
	URL string
}

// WebhookEvent is the verified subset of a Stripe event the settlement core reads.
type WebhookEvent struct {
	ID              string
	Type            string
	SessionID       string
	PaymentIntentID string
	Metadata        map[string]string
}

// Config carries Stripe credentials and an optional API base URL override.
type Config struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
}

// StripeRail implements the payout rail on the Stripe API.
type StripeRail struct {
	api           *client.API
	webhookSecret string
}

// NewStripeRail builds a Stripe client. BaseURL is only set in tests.
func NewStripeRail(config Config) (*StripeRail, error) {
	if strings.TrimSpace(config.SecretKey) == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	var backends *stripe.Backends
	if config.BaseURL != "" {
		backendConfig := &stripe.BackendConfig{
			URL:               stripe.String(config.BaseURL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		}
		backends = &stripe.Backends{
			API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
			Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
		}
	}
	return &StripeRail{api: client.New(config.SecretKey, backends), webhookSecret: config.WebhookSecret}, nil
}

// AvailableBalance returns the platform's available balance in currency, zero when absent.
func (rail *StripeRail) AvailableBalance(ctx context.Context, currency string) (ledger.Amount, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	balance, err := rail.api.Balance.Get(params)
	if err != nil {
		return 0, railError("balance", err)
	}
	for _, entry := range balance.Available {
		if entry != nil && strings.EqualFold(string(entry.Currency), currency) {
			return ledger.Amount(entry.Amount), nil
		}
	}
	return 0, nil
}

// CreateTransfer sends funds with a Stripe idempotency key so a retried call cannot pay twice.
func (rail *StripeRail) CreateTransfer(ctx context.Context, request TransferRequest) (Transfer, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(request.Amount.Int64()),
		Currency:      stripe.String(strings.ToLower(request.Currency)),
		Destination:   stripe.String(request.Destination),
		TransferGroup: stripe.String(request.BookingID),
	}
	params.Context = ctx
	params.AddMetadata("bookingId", request.BookingID)
	params.SetIdempotencyKey(request.IdempotencyKey)
	transfer, err := rail.api.Transfers.New(params)
	if err != nil {
		return Transfer{}, railError("transfer", err)
	}
	return Transfer{ID: transfer.ID, Amount: ledger.Amount(transfer.Amount)}, nil
}

// CreateCheckoutSession creates a hosted payment that routes the driver share to their account.
func (rail *StripeRail) CreateCheckoutSession(ctx context.Context, request CheckoutSessionRequest) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{checkoutPaymentMethod}),
		Mode:               stripe.String(checkoutMode),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(strings.ToLower(request.Currency)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(checkoutProductName)},
				UnitAmount:  stripe.Int64(request.Amount.Int64()),
			},
			Quantity: stripe.Int64(checkoutQuantity),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			ApplicationFeeAmount: stripe.Int64(request.ApplicationFee.Int64()),
			TransferData: &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
				Destination: stripe.String(request.DestinationAccount),
			},
		},
		SuccessURL: stripe.String(request.SuccessURL),
		CancelURL:  stripe.String(request.CancelURL),
	}
	params.Context = ctx
	for key, value := range request.Metadata {
		params.AddMetadata(key, value)
	}
	session, err := rail.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, railError("checkout session", err)
	}
	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// AccountReady reports whether a connected account can accept charges.
func (rail *StripeRail) AccountReady(ctx context.Context, accountID string) (bool, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	account, err := rail.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return false, railError("account", err)
	}
	return account.ChargesEnabled, nil
}

// TransfersActive reports whether a connected account has an active transfers capability.
func (rail *StripeRail) TransfersActive(ctx context.Context, accountID string) (bool, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	account, err := rail.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return false, railError("account", err)
	}
	return account.Capabilities != nil && account.Capabilities.Transfers == stripe.AccountCapabilityStatusActive, nil
}

// PaymentSucceeded reports whether a payment intent reached the succeeded state.
func (rail *StripeRail) PaymentSucceeded(ctx context.Context, paymentIntentID string) (bool, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := rail.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return false, railError("payment intent", err)
	}
	return intent.Status == stripe.PaymentIntentStatusSucceeded, nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts the checkout session fields.
func (rail *StripeRail) ParseWebhook(payload []byte, signatureHeader string) (WebhookEvent, error) {
	if signatureHeader == "" || rail.webhookSecret == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing signature or secret", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, rail.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	parsed := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return parsed, nil
	}
	if event.Data == nil {
		return WebhookEvent{}, fmt.Errorf("%w: missing data", ErrInvalidEvent)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	parsed.SessionID = session.ID
	parsed.Metadata = session.Metadata
	if session.PaymentIntent != nil {
		parsed.PaymentIntentID = session.PaymentIntent.ID
	}
	return parsed, nil
}

func railError(operation string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %s: %s (%d)", ErrRailUnavailable, operation, stripeErr.Msg, stripeErr.HTTPStatusCode)
	}
	return fmt.Errorf("%w: %s: %v", ErrRailUnavailable, operation, err)
}
