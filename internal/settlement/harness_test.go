package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/internal/fx"
	"github.com/MarkoPoloResearchLab/ridepay/internal/lockcache"
	"github.com/MarkoPoloResearchLab/ridepay/internal/metrics"
	"github.com/MarkoPoloResearchLab/ridepay/internal/partners"
	"github.com/MarkoPoloResearchLab/ridepay/internal/payoutrail"
	"github.com/MarkoPoloResearchLab/ridepay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	testRider         = "rider-1"
	testDriver        = "driver-1"
	testDriverAccount = "acct_driver_1"
	validSignature    = "t=1,v1=valid"
)

var errInjected = errors.New("injected failure")

type fakeRail struct {
	mutex            sync.Mutex
	available        ledger.Amount
	balanceErr       error
	transferErr      error
	transfers        []payoutrail.TransferRequest
	sessionErr       error
	sessions         []payoutrail.CheckoutSessionRequest
	accountReady     bool
	accountErr       error
	transfersActive  bool
	transfersErr     error
	paymentSucceeded bool
	paymentErr       error
	event            payoutrail.WebhookEvent
}

func (rail *fakeRail) AvailableBalance(_ context.Context, _ string) (ledger.Amount, error) {
	rail.mutex.Lock()
	defer rail.mutex.Unlock()
	return rail.available, rail.balanceErr
}

func (rail *fakeRail) CreateTransfer(_ context.Context, request payoutrail.TransferRequest) (payoutrail.Transfer, error) {
	rail.mutex.Lock()
	defer rail.mutex.Unlock()
	rail.transfers = append(rail.transfers, request)
	if rail.transferErr != nil {
		return payoutrail.Transfer{}, rail.transferErr
	}
	return payoutrail.Transfer{ID: "tr_" + request.IdempotencyKey, Amount: request.Amount}, nil
}

func (rail *fakeRail) CreateCheckoutSession(_ context.Context, request payoutrail.CheckoutSessionRequest) (payoutrail.CheckoutSession, error) {
	rail.mutex.Lock()
	defer rail.mutex.Unlock()
	rail.sessions = append(rail.sessions, request)
	if rail.sessionErr != nil {
		return payoutrail.CheckoutSession{}, rail.sessionErr
	}
	return payoutrail.CheckoutSession{ID: "cs_" + request.Metadata[metadataLocalTransactionID], URL: "https://checkout.test/session"}, nil
}

func (rail *fakeRail) AccountReady(_ context.Context, _ string) (bool, error) {
	rail.mutex.Lock()
	defer rail.mutex.Unlock()
	return rail.accountReady, rail.accountErr
}

func (rail *fakeRail) TransfersActive(_ context.Context, _ string) (bool, error) {
	rail.mutex.Lock()
	defer rail.mutex.Unlock()
	return rail.transfersActive, rail.transfersErr
}

func (rail *fakeRail) PaymentSucceeded(_ context.Context, _ string) (bool, error) {
	rail.mutex.Lock()
	defer rail.mutex.Unlock()
	return rail.paymentSucceeded, rail.paymentErr
}

func (rail *fakeRail) ParseWebhook(_ []byte, signatureHeader string) (payoutrail.WebhookEvent, error) {
	rail.mutex.Lock()
	defer rail.mutex.Unlock()
	if signatureHeader != validSignature {
		return payoutrail.WebhookEvent{}, payoutrail.ErrInvalidSignature
	}
	return rail.event, nil
}

func (rail *fakeRail) transferCount() int {
	rail.mutex.Lock()
	defer rail.mutex.Unlock()
	return len(rail.transfers)
}

type fakePartners struct {
	mutex       sync.Mutex
	bookingErr  func(data partners.PaymentData) error
	earningsErr error
	bookings    []partners.PaymentData
	earnings    []partners.PaymentData
	onBooking   func(data partners.PaymentData)
}

func (fake *fakePartners) UpdatePaymentStatus(_ context.Context, data partners.PaymentData) error {
	fake.mutex.Lock()
	fake.bookings = append(fake.bookings, data)
	hook := fake.onBooking
	bookingErr := fake.bookingErr
	fake.mutex.Unlock()
	if hook != nil {
		hook(data)
	}
	if bookingErr != nil {
		return bookingErr(data)
	}
	return nil
}

func (fake *fakePartners) AddEarnings(_ context.Context, data partners.PaymentData) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.earnings = append(fake.earnings, data)
	return fake.earningsErr
}

func (fake *fakePartners) bookingCalls() []partners.PaymentData {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return append([]partners.PaymentData(nil), fake.bookings...)
}

func (fake *fakePartners) earningCalls() []partners.PaymentData {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return append([]partners.PaymentData(nil), fake.earnings...)
}

type publishedEvent struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mutex     sync.Mutex
	published []publishedEvent
}

func (publisher *fakePublisher) Publish(_ context.Context, topic string, payload any) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publisher.published = append(publisher.published, publishedEvent{topic: topic, payload: payload})
	return nil
}

func (publisher *fakePublisher) topics() []string {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	topics := make([]string, 0, len(publisher.published))
	for _, event := range publisher.published {
		topics = append(topics, event.topic)
	}
	return topics
}

// faultyLedger fails chosen ledger steps while delegating the rest.
type faultyLedger struct {
	Ledger
	settleErr  error
	releaseErr error
}

func (faulty *faultyLedger) Settle(ctx context.Context, transactionID ledger.TransactionID, externalReference string) (ledger.WalletTransaction, error) {
	if faulty.settleErr != nil {
		return ledger.WalletTransaction{}, faulty.settleErr
	}
	return faulty.Ledger.Settle(ctx, transactionID, externalReference)
}

func (faulty *faultyLedger) Release(ctx context.Context, transactionID ledger.TransactionID, reason string) (ledger.WalletTransaction, error) {
	if faulty.releaseErr != nil {
		return ledger.WalletTransaction{}, faulty.releaseErr
	}
	return faulty.Ledger.Release(ctx, transactionID, reason)
}

type harness struct {
	store     *gormstore.Store
	ledger    *ledger.Service
	wallets   Ledger
	converter *fx.Converter
	rail      *fakeRail
	partners  *fakePartners
	publisher *fakePublisher
	redis     *miniredis.Miniredis
	locks     *lockcache.Client
	metrics   *metrics.Metrics
	settings  Settings
	options   []Option
}

func newHarness(test *testing.T) *harness {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(test.TempDir()+"/settlement.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(database); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(database)
	ledgerService, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	converter, err := fx.ParseRates(fx.DefaultRateSet)
	if err != nil {
		test.Fatalf("rates: %v", err)
	}
	if err := store.SaveDriverAccount(context.Background(), ledger.DriverAccount{DriverID: testDriver, AccountID: testDriverAccount}); err != nil {
		test.Fatalf("driver account: %v", err)
	}
	server := miniredis.RunT(test)
	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	test.Cleanup(func() { _ = rdb.Close() })

	return &harness{
		store:     store,
		ledger:    ledgerService,
		wallets:   ledgerService,
		converter: converter,
		rail:      &fakeRail{available: 100000, accountReady: true, transfersActive: true, paymentSucceeded: true},
		partners:  &fakePartners{},
		publisher: &fakePublisher{},
		redis:     server,
		locks:     lockcache.New(rdb),
		metrics:   metrics.New(),
		settings:  Settings{RailCurrency: "usd", FrontendURL: "https://app.test/"},
		options:   []Option{WithSleeper(func(context.Context, time.Duration) error { return nil })},
	}
}

func (h *harness) service(test *testing.T) *Service {
	test.Helper()
	service, err := NewService(Dependencies{
		Wallets:        h.wallets,
		Converter:      h.converter,
		Rail:           h.rail,
		Checkouts:      h.store,
		DriverAccounts: h.store,
		Bookings:       h.partners,
		Drivers:        h.partners,
		Publisher:      h.publisher,
		Locks:          h.locks,
		Metrics:        h.metrics,
	}, h.settings, h.options...)
	if err != nil {
		test.Fatalf("settlement service: %v", err)
	}
	return service
}

func (h *harness) seed(test *testing.T, userID string, amount int64) {
	test.Helper()
	user, _ := ledger.NewUserID(userID)
	positive, _ := ledger.NewPositiveAmount(amount)
	key, _ := ledger.NewIdempotencyKey("seed-" + userID)
	if _, err := h.ledger.Credit(context.Background(), ledger.CreditRequest{UserID: user, Amount: positive, IdempotencyKey: key, Reason: "seed"}); err != nil {
		test.Fatalf("seed: %v", err)
	}
}

func (h *harness) wallet(test *testing.T, userID string) ledger.WalletBalance {
	test.Helper()
	user, _ := ledger.NewUserID(userID)
	balance, err := h.ledger.Balance(context.Background(), user)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func (h *harness) walletTransaction(test *testing.T, bookingID string) ledger.WalletTransaction {
	test.Helper()
	key, _ := ledger.NewIdempotencyKey(WalletKey(bookingID))
	transaction, err := h.ledger.Lookup(context.Background(), key)
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	return transaction
}

func requireKind(test *testing.T, err error, expected Kind) *Failure {
	test.Helper()
	if err == nil {
		test.Fatalf("expected %s failure, got nil", expected)
	}
	var failure *Failure
	if !errors.As(err, &failure) {
		test.Fatalf("expected *Failure, got %T: %v", err, err)
	}
	if failure.Kind != expected {
		test.Fatalf("expected kind %s, got %s (%v)", expected, failure.Kind, err)
	}
	return failure
}
