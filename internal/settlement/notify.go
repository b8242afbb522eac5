package settlement

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/internal/events"
	"github.com/MarkoPoloResearchLab/ridepay/internal/partners"
	"go.uber.org/zap"
)

const (
	notifyTimeout = 10 * time.Second

	targetBooking = "booking"
	targetDriver  = "driver"
	targetEvents  = "events"
)

// PaymentCompletedEvent is published on every successful settlement.
type PaymentCompletedEvent struct {
	Flow        string `json:"flow"`
	BookingID   string `json:"bookingId"`
	UserID      string `json:"userId"`
	DriverID    string `json:"driverId"`
	PlatformFee int64  `json:"platformFee"`
	DriverShare int64  `json:"driverShare"`
	Reference   string `json:"reference,omitempty"`
}

// ReconciliationEvent is published whenever ledger and external state may have diverged.
type ReconciliationEvent struct {
	Flow          string `json:"flow"`
	Stage         string `json:"stage"`
	BookingID     string `json:"bookingId"`
	TransactionID string `json:"transactionId,omitempty"`
	TransferID    string `json:"transferId,omitempty"`
	Error         string `json:"error"`
}

// notifyCompleted marks the booking paid, credits driver earnings and publishes payment.completed.
// Failures are logged and counted; they never undo the settlement.
func (service *Service) notifyCompleted(flow string, data partners.PaymentData, reference string) {
	service.dispatch(func(ctx context.Context) {
		if err := service.bookings.UpdatePaymentStatus(ctx, data); err != nil {
			service.notificationFailed(targetBooking, data.BookingID, err)
		}
		if err := service.drivers.AddEarnings(ctx, data); err != nil {
			service.notificationFailed(targetDriver, data.BookingID, err)
		}
		service.publishCompleted(ctx, flow, data, reference)
	})
}

func (service *Service) publishCompleted(ctx context.Context, flow string, data partners.PaymentData, reference string) {
	err := service.publisher.Publish(ctx, events.TopicPaymentCompleted, PaymentCompletedEvent{
		Flow:        flow,
		BookingID:   data.BookingID,
		UserID:      data.UserID,
		DriverID:    data.DriverID,
		PlatformFee: data.PlatformFee.Int64(),
		DriverShare: data.DriverShare.Int64(),
		Reference:   reference,
	})
	if err != nil {
		service.notificationFailed(targetEvents, data.BookingID, err)
	}
}

// alertReconciliation raises the operator signal for a payment whose true state is unknown.
func (service *Service) alertReconciliation(flow string, stage string, bookingID string, transactionID string, transferID string, cause error) {
	service.logger.Error("payment requires reconciliation",
		zap.String(logFieldAlert, alertValueReconciliation),
		zap.String(logFieldFlow, flow),
		zap.String(logFieldStage, stage),
		zap.String(logFieldBookingID, bookingID),
		zap.String(logFieldTransactionID, transactionID),
		zap.String(logFieldTransferID, transferID),
		zap.Error(cause),
	)
	if service.metrics != nil {
		service.metrics.ReconciliationRequired.WithLabelValues(flow, stage).Inc()
	}
	event := ReconciliationEvent{
		Flow:          flow,
		Stage:         stage,
		BookingID:     bookingID,
		TransactionID: transactionID,
		TransferID:    transferID,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	service.dispatch(func(ctx context.Context) {
		if err := service.publisher.Publish(ctx, events.TopicPaymentReconciliationRequired, event); err != nil {
			service.notificationFailed(targetEvents, bookingID, err)
		}
	})
}

// dispatch hands job to the dispatcher, running it inline when there is none or it refuses work.
func (service *Service) dispatch(job func(ctx context.Context)) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		job(ctx)
	}
	if service.dispatcher == nil {
		run()
		return
	}
	if err := service.dispatcher.Submit(run); err != nil {
		service.logger.Warn("notification dispatch refused, running inline", zap.Error(err))
		run()
	}
}

func (service *Service) notificationFailed(target string, bookingID string, err error) {
	service.logger.Warn("payment notification failed",
		zap.String("target", target),
		zap.String(logFieldBookingID, bookingID),
		zap.Error(err),
	)
	if service.metrics != nil {
		service.metrics.NotificationFailures.WithLabelValues(target).Inc()
	}
}
