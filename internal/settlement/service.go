// Package settlement orchestrates rider payments: the wallet payout saga, the lock-guarded cash confirmation
// path, hosted checkout creation and checkout webhook outcomes.
package settlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/internal/metrics"
	"github.com/MarkoPoloResearchLab/ridepay/internal/partners"
	"github.com/MarkoPoloResearchLab/ridepay/internal/payoutrail"
	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"go.uber.org/zap"
)

const (
	flowWallet   = "wallet"
	flowCash     = "cash"
	flowCheckout = "checkout"

	outcomeSuccess = "success"
	outcomeReplay  = "replay"

	defaultFeeBasisPoints    = 2000
	defaultLockTTL           = 30 * time.Second
	defaultResultTTL         = 24 * time.Hour
	defaultPollInterval      = 200 * time.Millisecond
	defaultPollAttempts      = 5
	maxFeeBasisPoints        = basisPointsDenominator
	maxPaymentAmount         = int64(1) << 48
	alertValueReconciliation = "reconciliation_required"
	logFieldAlert            = "alert"
	logFieldBookingID        = "booking_id"
	logFieldTransactionID    = "transaction_id"
	logFieldTransferID       = "transfer_id"
	logFieldStage            = "stage"
	logFieldFlow             = "flow"
)

// ErrInvalidConfig is returned by NewService when a required collaborator is missing.
var ErrInvalidConfig = errors.New("invalid settlement config")

// Ledger is the wallet ledger the saga reserves, settles and releases against.
type Ledger interface {
	Currency() ledger.Currency
	Balance(ctx context.Context, userID ledger.UserID) (ledger.WalletBalance, error)
	Lookup(ctx context.Context, key ledger.IdempotencyKey) (ledger.WalletTransaction, error)
	Reserve(ctx context.Context, request ledger.ReserveRequest) (ledger.ReserveResult, error)
	Settle(ctx context.Context, transactionID ledger.TransactionID, externalReference string) (ledger.WalletTransaction, error)
	Release(ctx context.Context, transactionID ledger.TransactionID, reason string) (ledger.WalletTransaction, error)
}

// Converter converts ledger amounts into the payout-rail currency.
type Converter interface {
	Convert(amount ledger.Amount, from ledger.Currency, to ledger.Currency) (ledger.Amount, error)
}

// PayoutRail is the external money mover.
type PayoutRail interface {
	AvailableBalance(ctx context.Context, currency string) (ledger.Amount, error)
	CreateTransfer(ctx context.Context, request payoutrail.TransferRequest) (payoutrail.Transfer, error)
	CreateCheckoutSession(ctx context.Context, request payoutrail.CheckoutSessionRequest) (payoutrail.CheckoutSession, error)
	AccountReady(ctx context.Context, accountID string) (bool, error)
	TransfersActive(ctx context.Context, accountID string) (bool, error)
	PaymentSucceeded(ctx context.Context, paymentIntentID string) (bool, error)
	ParseWebhook(payload []byte, signatureHeader string) (payoutrail.WebhookEvent, error)
}

// BookingService marks bookings paid or failed.
type BookingService interface {
	UpdatePaymentStatus(ctx context.Context, data partners.PaymentData) error
}

// DriverService credits driver earnings.
type DriverService interface {
	AddEarnings(ctx context.Context, data partners.PaymentData) error
}

// Publisher emits best-effort events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// LockCache is the distributed lock and result cache guarding the cash path.
type LockCache interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key string, token string) (bool, error)
	GetResult(ctx context.Context, key string, destination any) (bool, error)
	PutResult(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Dispatcher runs fire-and-forget work.
type Dispatcher interface {
	Submit(job func()) error
}

// Dependencies are the collaborators of Service. Metrics and Dispatcher are optional.
type Dependencies struct {
	Wallets        Ledger
	Converter      Converter
	Rail           PayoutRail
	Checkouts      ledger.CheckoutStore
	DriverAccounts ledger.DriverAccountStore
	Bookings       BookingService
	Drivers        DriverService
	Publisher      Publisher
	Locks          LockCache
	Dispatcher     Dispatcher
	Metrics        *metrics.Metrics
}

// Settings are the tunables of Service. Zero values take defaults, except FailedResultTTL where zero disables
// caching of failed cash confirmations.
type Settings struct {
	RailCurrency    string
	FeeBasisPoints  int64
	LockTTL         time.Duration
	ResultTTL       time.Duration
	FailedResultTTL time.Duration
	PollInterval    time.Duration
	PollAttempts    int
	FrontendURL     string
}

// Service is the payment settlement orchestrator.
type Service struct {
	wallets        Ledger
	converter      Converter
	rail           PayoutRail
	checkouts      ledger.CheckoutStore
	driverAccounts ledger.DriverAccountStore
	bookings       BookingService
	drivers        DriverService
	publisher      Publisher
	locks          LockCache
	dispatcher     Dispatcher
	metrics        *metrics.Metrics
	settings       Settings
	railCurrency   ledger.Currency
	logger         *zap.Logger
	sleep          func(ctx context.Context, duration time.Duration) error
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithSleeper overrides how the cash path waits between result polls.
func WithSleeper(sleep func(ctx context.Context, duration time.Duration) error) Option {
	return func(service *Service) {
		if sleep != nil {
			service.sleep = sleep
		}
	}
}

// NewService validates dependencies and fills default settings.
func NewService(dependencies Dependencies, settings Settings, options ...Option) (*Service, error) {
	if dependencies.Wallets == nil || dependencies.Converter == nil || dependencies.Rail == nil ||
		dependencies.Checkouts == nil || dependencies.DriverAccounts == nil || dependencies.Bookings == nil ||
		dependencies.Drivers == nil || dependencies.Publisher == nil || dependencies.Locks == nil {
		return nil, ErrInvalidConfig
	}
	if settings.RailCurrency == "" {
		settings.RailCurrency = "usd"
	}
	railCurrency, err := ledger.NewCurrency(settings.RailCurrency)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if settings.FeeBasisPoints == 0 {
		settings.FeeBasisPoints = defaultFeeBasisPoints
	}
	if settings.FeeBasisPoints < 0 || settings.FeeBasisPoints > maxFeeBasisPoints {
		return nil, errors.Join(ErrInvalidConfig, errors.New("fee basis points out of range"))
	}
	if settings.LockTTL <= 0 {
		settings.LockTTL = defaultLockTTL
	}
	if settings.ResultTTL <= 0 {
		settings.ResultTTL = defaultResultTTL
	}
	if settings.FailedResultTTL < 0 {
		settings.FailedResultTTL = 0
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = defaultPollInterval
	}
	if settings.PollAttempts <= 0 {
		settings.PollAttempts = defaultPollAttempts
	}
	settings.FrontendURL = strings.TrimRight(settings.FrontendURL, "/")

	service := &Service{
		wallets:        dependencies.Wallets,
		converter:      dependencies.Converter,
		rail:           dependencies.Rail,
		checkouts:      dependencies.Checkouts,
		driverAccounts: dependencies.DriverAccounts,
		bookings:       dependencies.Bookings,
		drivers:        dependencies.Drivers,
		publisher:      dependencies.Publisher,
		locks:          dependencies.Locks,
		dispatcher:     dependencies.Dispatcher,
		metrics:        dependencies.Metrics,
		settings:       settings,
		railCurrency:   railCurrency,
		logger:         zap.NewNop(),
		sleep:          sleepContext,
	}
	for _, option := range options {
		option(service)
	}
	return service, nil
}

// WalletBalance returns the caller's wallet view in the ledger currency.
func (service *Service) WalletBalance(ctx context.Context, rawUserID string) (ledger.WalletBalance, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.WalletBalance{}, invalidRequest("user id is required")
	}
	balance, err := service.wallets.Balance(ctx, userID)
	if err != nil {
		return ledger.WalletBalance{}, newFailure(KindInternal, "wallet lookup failed", "", err)
	}
	return balance, nil
}

func (service *Service) recordOutcome(flow string, err error) {
	if service.metrics == nil {
		return
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = string(KindOf(err))
	}
	service.metrics.PaymentsTotal.WithLabelValues(flow, outcome).Inc()
}

func (service *Service) recordReplay(flow string) {
	if service.metrics == nil {
		return
	}
	service.metrics.PaymentsTotal.WithLabelValues(flow, outcomeReplay).Inc()
}

func (service *Service) recordCompensation(stage string) {
	if service.metrics == nil {
		return
	}
	service.metrics.CompensationsTotal.WithLabelValues(stage).Inc()
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
