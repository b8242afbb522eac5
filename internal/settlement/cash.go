package settlement

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/ridepay/internal/lockcache"
	"github.com/MarkoPoloResearchLab/ridepay/internal/partners"
	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"go.uber.org/zap"
)

const (
	cashConfirmedMessage = "Cash payment confirmed successfully"
	cashConflictMessage  = "Payment is already being processed for this booking. Please retry shortly."
	cashFailedMessage    = "Something went wrong during cash confirmation"
)

// CashPaymentRequest confirms that the rider paid the driver in cash.
type CashPaymentRequest struct {
	BookingID string
	UserID    string
	DriverID  string
	Amount    int64
}

// CashPaymentResult is the cached outcome of a cash confirmation.
type CashPaymentResult struct {
	Status      int           `json:"status"`
	Message     string        `json:"message"`
	PlatformFee ledger.Amount `json:"platformFee"`
	DriverShare ledger.Amount `json:"driverShare"`
	Replayed    bool          `json:"-"`
}

type cashPayment struct {
	bookingID string
	userID    string
	driverID  string
	amount    ledger.Amount
}

// ConfirmCashPayment marks the booking paid and credits the driver's earnings at most once per booking.
// A concurrent confirmation for the same booking either replays the cached result or fails with Conflict.
func (service *Service) ConfirmCashPayment(ctx context.Context, request CashPaymentRequest) (CashPaymentResult, error) {
	result, err := service.confirmCashPayment(ctx, request)
	if err == nil && result.Replayed {
		service.recordReplay(flowCash)
		return result, nil
	}
	service.recordOutcome(flowCash, err)
	return result, err
}

func (service *Service) confirmCashPayment(ctx context.Context, request CashPaymentRequest) (CashPaymentResult, error) {
	payment, err := validateCashPayment(request)
	if err != nil {
		return CashPaymentResult{}, err
	}
	resultKey := lockcache.BookingResultKey(payment.bookingID)
	lockKey := lockcache.BookingLockKey(payment.bookingID)

	if cached, found := service.cachedCashResult(ctx, resultKey); found {
		return replayCashResult(cached)
	}

	token, acquired, err := service.locks.TryLock(ctx, lockKey, service.settings.LockTTL)
	if err != nil {
		return CashPaymentResult{}, newFailure(KindExternalFailure, "payment lock unavailable", "", err)
	}
	if !acquired {
		if service.metrics != nil {
			service.metrics.LockContentionTotal.Inc()
		}
		return service.awaitCashResult(ctx, resultKey)
	}
	defer service.unlock(lockKey, token)

	// The previous holder may have finished between the first cache read and the lock.
	if cached, found := service.cachedCashResult(ctx, resultKey); found {
		return replayCashResult(cached)
	}

	// The partner calls must not be abandoned halfway.
	callCtx := context.WithoutCancel(ctx)
	platformFee, driverShare := SplitFee(payment.amount, service.settings.FeeBasisPoints)
	data := partners.PaymentData{
		BookingID:       payment.bookingID,
		UserID:          payment.userID,
		DriverID:        payment.driverID,
		PlatformFee:     platformFee,
		DriverShare:     driverShare,
		IsAddCommission: true,
		PaymentStatus:   partners.PaymentStatusCompleted,
		PaymentMode:     partners.PaymentModeCash,
	}

	if err := service.bookings.UpdatePaymentStatus(callCtx, data); err != nil {
		service.cacheCashFailure(callCtx, resultKey, err)
		return CashPaymentResult{}, newFailure(KindExternalFailure, cashFailedMessage, "", err)
	}
	if err := service.drivers.AddEarnings(callCtx, data); err != nil {
		return CashPaymentResult{}, service.rollbackCashPayment(callCtx, resultKey, data, err)
	}

	result := CashPaymentResult{
		Status:      http.StatusOK,
		Message:     cashConfirmedMessage,
		PlatformFee: platformFee,
		DriverShare: driverShare,
	}
	if err := service.locks.PutResult(callCtx, resultKey, result, service.settings.ResultTTL); err != nil {
		service.logger.Warn("cash result cache write failed", zap.String(logFieldBookingID, payment.bookingID), zap.Error(err))
	}
	service.dispatch(func(ctx context.Context) {
		service.publishCompleted(ctx, flowCash, data, "")
	})
	return result, nil
}

// rollbackCashPayment reverts the booking status after the earnings credit failed.
func (service *Service) rollbackCashPayment(ctx context.Context, resultKey string, data partners.PaymentData, cause error) error {
	service.recordCompensation(stageRollback)
	rollback := data
	rollback.PaymentStatus = partners.PaymentStatusFailed
	if err := service.bookings.UpdatePaymentStatus(ctx, rollback); err != nil {
		joined := errors.Join(cause, err)
		service.alertReconciliation(flowCash, stageRollback, data.BookingID, "", "", joined)
		return newFailure(KindReconciliationRequired, "booking marked paid but driver earnings were not credited", "", joined)
	}
	service.cacheCashFailure(ctx, resultKey, cause)
	return newFailure(KindExternalFailure, cashFailedMessage, "", cause)
}

// awaitCashResult polls the result cache while another request holds the booking lock.
func (service *Service) awaitCashResult(ctx context.Context, resultKey string) (CashPaymentResult, error) {
	for attempt := 0; attempt < service.settings.PollAttempts; attempt++ {
		if err := service.sleep(ctx, service.settings.PollInterval); err != nil {
			return CashPaymentResult{}, newFailure(KindConflict, cashConflictMessage, "", err)
		}
		if cached, found := service.cachedCashResult(ctx, resultKey); found {
			return replayCashResult(cached)
		}
	}
	return CashPaymentResult{}, newFailure(KindConflict, cashConflictMessage, "", nil)
}

func (service *Service) cachedCashResult(ctx context.Context, resultKey string) (CashPaymentResult, bool) {
	var cached CashPaymentResult
	found, err := service.locks.GetResult(ctx, resultKey, &cached)
	if err != nil {
		service.logger.Warn("cash result cache read failed", zap.String("key", resultKey), zap.Error(err))
		return CashPaymentResult{}, false
	}
	return cached, found
}

// cacheCashFailure stores a failed outcome only when a failed-result TTL is configured.
func (service *Service) cacheCashFailure(ctx context.Context, resultKey string, cause error) {
	if service.settings.FailedResultTTL <= 0 {
		return
	}
	failed := CashPaymentResult{Status: http.StatusInternalServerError, Message: cashFailedMessage}
	if err := service.locks.PutResult(ctx, resultKey, failed, service.settings.FailedResultTTL); err != nil {
		service.logger.Warn("cash failure cache write failed", zap.String("key", resultKey), zap.Error(errors.Join(cause, err)))
	}
}

func (service *Service) unlock(lockKey string, token string) {
	released, err := service.locks.Unlock(context.Background(), lockKey, token)
	if err != nil {
		service.logger.Warn("payment lock release failed", zap.String("key", lockKey), zap.Error(err))
		return
	}
	if !released {
		service.logger.Warn("payment lock expired before release", zap.String("key", lockKey))
	}
}

func replayCashResult(cached CashPaymentResult) (CashPaymentResult, error) {
	if cached.Status != http.StatusOK {
		return CashPaymentResult{}, newFailure(KindExternalFailure, cached.Message, "", nil)
	}
	cached.Replayed = true
	return cached, nil
}

func validateCashPayment(request CashPaymentRequest) (cashPayment, error) {
	payment := cashPayment{
		bookingID: strings.TrimSpace(request.BookingID),
		userID:    strings.TrimSpace(request.UserID),
		driverID:  strings.TrimSpace(request.DriverID),
	}
	if payment.bookingID == "" {
		return cashPayment{}, invalidRequest("booking reference missing")
	}
	if payment.userID == "" {
		return cashPayment{}, invalidRequest("user id is required")
	}
	if payment.driverID == "" {
		return cashPayment{}, invalidRequest("driver id is required")
	}
	if request.Amount > maxPaymentAmount {
		return cashPayment{}, invalidRequest("invalid payment amount")
	}
	amount, err := ledger.NewPositiveAmount(request.Amount)
	if err != nil {
		return cashPayment{}, invalidRequest("invalid payment amount")
	}
	payment.amount = amount.ToAmount()
	return payment, nil
}
