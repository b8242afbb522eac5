package settlement

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/internal/lockcache"
	"github.com/MarkoPoloResearchLab/ridepay/internal/partners"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func cashRequest(bookingID string) CashPaymentRequest {
	return CashPaymentRequest{BookingID: bookingID, UserID: testRider, DriverID: testDriver, Amount: 3000}
}

func TestConfirmCashPaymentCachesResult(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	service := h.service(test)

	first, err := service.ConfirmCashPayment(context.Background(), cashRequest("c-1"))
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if first.Status != http.StatusOK || first.Message != cashConfirmedMessage || first.Replayed {
		test.Fatalf("unexpected result %+v", first)
	}
	if first.PlatformFee != 600 || first.DriverShare != 2400 {
		test.Fatalf("unexpected split %+v", first)
	}
	bookings := h.partners.bookingCalls()
	if len(bookings) != 1 || bookings[0].PaymentMode != partners.PaymentModeCash || !bookings[0].IsAddCommission {
		test.Fatalf("unexpected booking calls %+v", bookings)
	}

	second, err := service.ConfirmCashPayment(context.Background(), cashRequest("c-1"))
	if err != nil {
		test.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Status != http.StatusOK {
		test.Fatalf("expected cached replay, got %+v", second)
	}
	if len(h.partners.bookingCalls()) != 1 || len(h.partners.earningCalls()) != 1 {
		test.Fatalf("expected partner calls once")
	}
	if h.redis.Exists(lockcache.BookingLockKey("c-1")) {
		test.Fatalf("expected lock released")
	}
	ttl := h.redis.TTL(lockcache.BookingResultKey("c-1"))
	if ttl <= time.Hour || ttl > defaultResultTTL {
		test.Fatalf("expected day-long result ttl, got %v", ttl)
	}
}

func TestConfirmCashPaymentConcurrentReplaysFirstResult(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	entered := make(chan struct{})
	gate := make(chan struct{})
	firstDone := make(chan struct{})
	h.partners.onBooking = func(data partners.PaymentData) {
		if data.PaymentStatus == partners.PaymentStatusCompleted {
			close(entered)
			<-gate
		}
	}
	h.options = append(h.options, WithSleeper(func(context.Context, time.Duration) error {
		select {
		case <-gate:
		default:
			close(gate)
		}
		<-firstDone
		return nil
	}))
	service := h.service(test)

	var firstErr error
	go func() {
		defer close(firstDone)
		_, firstErr = service.ConfirmCashPayment(context.Background(), cashRequest("c-2"))
	}()
	<-entered

	second, err := service.ConfirmCashPayment(context.Background(), cashRequest("c-2"))
	if err != nil {
		test.Fatalf("second: %v", err)
	}
	if firstErr != nil {
		test.Fatalf("first: %v", firstErr)
	}
	if !second.Replayed {
		test.Fatalf("expected second request to replay, got %+v", second)
	}
	if len(h.partners.bookingCalls()) != 1 || len(h.partners.earningCalls()) != 1 {
		test.Fatalf("external calls executed twice")
	}
	if got := testutil.ToFloat64(h.metrics.LockContentionTotal); got != 1 {
		test.Fatalf("expected lock contention metric, got %v", got)
	}
}

func TestConfirmCashPaymentConcurrentReturnsConflict(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	entered := make(chan struct{})
	gate := make(chan struct{})
	h.partners.onBooking = func(partners.PaymentData) {
		close(entered)
		<-gate
	}
	service := h.service(test)

	firstDone := make(chan error, 1)
	go func() {
		_, err := service.ConfirmCashPayment(context.Background(), cashRequest("c-3"))
		firstDone <- err
	}()
	<-entered

	_, err := service.ConfirmCashPayment(context.Background(), cashRequest("c-3"))
	requireKind(test, err, KindConflict)
	close(gate)
	if err := <-firstDone; err != nil {
		test.Fatalf("first: %v", err)
	}
	if len(h.partners.bookingCalls()) != 1 {
		test.Fatalf("expected a single booking call, got %d", len(h.partners.bookingCalls()))
	}
}

func TestConfirmCashPaymentRollsBackBookingWhenEarningsFail(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.partners.earningsErr = errInjected
	service := h.service(test)

	_, err := service.ConfirmCashPayment(context.Background(), cashRequest("c-4"))
	requireKind(test, err, KindExternalFailure)

	bookings := h.partners.bookingCalls()
	if len(bookings) != 2 || bookings[1].PaymentStatus != partners.PaymentStatusFailed {
		test.Fatalf("expected rollback to Failed, got %+v", bookings)
	}
	if h.redis.Exists(lockcache.BookingResultKey("c-4")) {
		test.Fatalf("failed results must not be cached by default")
	}
	if h.redis.Exists(lockcache.BookingLockKey("c-4")) {
		test.Fatalf("expected lock released after failure")
	}

	h.partners.mutex.Lock()
	h.partners.earningsErr = nil
	h.partners.mutex.Unlock()
	if _, err := service.ConfirmCashPayment(context.Background(), cashRequest("c-4")); err != nil {
		test.Fatalf("retry after failure: %v", err)
	}
}

func TestConfirmCashPaymentFailedRollbackNeedsReconciliation(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.partners.earningsErr = errInjected
	h.partners.bookingErr = func(data partners.PaymentData) error {
		if data.PaymentStatus == partners.PaymentStatusFailed {
			return errors.New("booking service down")
		}
		return nil
	}
	service := h.service(test)

	_, err := service.ConfirmCashPayment(context.Background(), cashRequest("c-5"))
	requireKind(test, err, KindReconciliationRequired)
	if got := testutil.ToFloat64(h.metrics.ReconciliationRequired.WithLabelValues(flowCash, stageRollback)); got != 1 {
		test.Fatalf("expected reconciliation metric, got %v", got)
	}
}

func TestConfirmCashPaymentCachesFailuresWhenConfigured(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.settings.FailedResultTTL = time.Minute
	h.partners.bookingErr = func(partners.PaymentData) error { return errInjected }
	service := h.service(test)

	_, err := service.ConfirmCashPayment(context.Background(), cashRequest("c-6"))
	requireKind(test, err, KindExternalFailure)
	_, err = service.ConfirmCashPayment(context.Background(), cashRequest("c-6"))
	requireKind(test, err, KindExternalFailure)

	if len(h.partners.bookingCalls()) != 1 {
		test.Fatalf("expected cached failure to suppress the second call, got %d", len(h.partners.bookingCalls()))
	}
	h.redis.FastForward(2 * time.Minute)
	h.partners.mutex.Lock()
	h.partners.bookingErr = nil
	h.partners.mutex.Unlock()
	if _, err := service.ConfirmCashPayment(context.Background(), cashRequest("c-6")); err != nil {
		test.Fatalf("expected success after failure ttl, got %v", err)
	}
}

func TestConfirmCashPaymentLockUnavailable(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	service := h.service(test)
	h.redis.Close()

	_, err := service.ConfirmCashPayment(context.Background(), cashRequest("c-7"))
	requireKind(test, err, KindExternalFailure)
	if len(h.partners.bookingCalls()) != 0 {
		test.Fatalf("expected no partner calls without a lock")
	}
}

func TestConfirmCashPaymentValidation(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	service := h.service(test)

	for _, request := range []CashPaymentRequest{
		{UserID: testRider, DriverID: testDriver, Amount: 10},
		{BookingID: "c-8", DriverID: testDriver, Amount: 10},
		{BookingID: "c-8", UserID: testRider, Amount: 10},
		{BookingID: "c-8", UserID: testRider, DriverID: testDriver},
		{BookingID: "c-8", UserID: testRider, DriverID: testDriver, Amount: maxPaymentAmount + 1},
	} {
		_, err := service.ConfirmCashPayment(context.Background(), request)
		requireKind(test, err, KindInvalidRequest)
	}
	if len(h.partners.bookingCalls()) != 0 {
		test.Fatalf("expected no partner calls")
	}
}
