// Package partners calls the booking and driver services over gRPC.
//
// Messages travel as google.protobuf.Struct so the payment service carries no generated stubs for
// services it does not own.
package partners

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	MethodUpdatePaymentStatus = "/booking.BookingService/UpdatePaymentStatus"
	MethodAddEarnings         = "/driver.DriverService/AddEarnings"

	fieldStatus       = "status"
	fieldMessage      = "message"
	statusOK          = 200
	defaultRPCTimeout = 5 * time.Second
)

var (
	ErrPartnerUnavailable = errors.New("partner service unavailable")
	ErrPartnerRejected    = errors.New("partner service rejected request")
)

// PaymentStatus is the booking-side payment state.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "Pending"
	PaymentStatusFailed    PaymentStatus = "Failed"
	PaymentStatusCompleted PaymentStatus = "Completed"
)

// PaymentMode is how the rider paid.
type PaymentMode string

const (
	PaymentModeCash   PaymentMode = "Cash"
	PaymentModeWallet PaymentMode = "Wallet"
	PaymentModeStripe PaymentMode = "Stripe"
)

// PaymentData is the payload shared by both partner calls.
type PaymentData struct {
	BookingID       string        `json:"bookingId"`
	UserID          string        `json:"userId"`
	DriverID        string        `json:"driverId"`
	PlatformFee     ledger.Amount `json:"platformFee"`
	DriverShare     ledger.Amount `json:"driverShare"`
	IsAddCommission bool          `json:"isAddCommission"`
	PaymentStatus   PaymentStatus `json:"paymentStatus"`
	PaymentMode     PaymentMode   `json:"paymentMode"`
}

func (data PaymentData) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"bookingId":       data.BookingID,
		"userId":          data.UserID,
		"driverId":        data.DriverID,
		"platformFee":     float64(data.PlatformFee.Int64()),
		"driverShare":     float64(data.DriverShare.Int64()),
		"isAddCommission": data.IsAddCommission,
		"paymentStatus":   string(data.PaymentStatus),
		"paymentMode":     string(data.PaymentMode),
	})
}

// PaymentDataFromStruct decodes a partner request, used by partner-side handlers and tests.
func PaymentDataFromStruct(message *structpb.Struct) PaymentData {
	fields := message.GetFields()
	return PaymentData{
		BookingID:       fields["bookingId"].GetStringValue(),
		UserID:          fields["userId"].GetStringValue(),
		DriverID:        fields["driverId"].GetStringValue(),
		PlatformFee:     ledger.Amount(int64(fields["platformFee"].GetNumberValue())),
		DriverShare:     ledger.Amount(int64(fields["driverShare"].GetNumberValue())),
		IsAddCommission: fields["isAddCommission"].GetBoolValue(),
		PaymentStatus:   PaymentStatus(fields["paymentStatus"].GetStringValue()),
		PaymentMode:     PaymentMode(fields["paymentMode"].GetStringValue()),
	}
}

// Dial opens a lazily connecting plaintext client connection.
func Dial(address string, options ...grpc.DialOption) (*grpc.ClientConn, error) {
	options = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, options...)
	conn, err := grpc.NewClient(address, options...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}

type invoker struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func (caller invoker) call(ctx context.Context, method string, data PaymentData) error {
	request, err := data.toStruct()
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	timeout := caller.timeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	response := &structpb.Struct{}
	if err := caller.conn.Invoke(callCtx, method, request, response); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPartnerUnavailable, method, err)
	}
	fields := response.GetFields()
	if code := int(fields[fieldStatus].GetNumberValue()); code != statusOK {
		return fmt.Errorf("%w: %s: status %d: %s", ErrPartnerRejected, method, code, fields[fieldMessage].GetStringValue())
	}
	return nil
}

// BookingClient updates booking payment state.
type BookingClient struct {
	invoker
}

// NewBookingClient wraps a connection to the booking service.
func NewBookingClient(conn grpc.ClientConnInterface, timeout time.Duration) *BookingClient {
	return &BookingClient{invoker{conn: conn, timeout: timeout}}
}

// UpdatePaymentStatus marks a booking paid, or rolls it back when data.PaymentStatus is Failed.
func (client *BookingClient) UpdatePaymentStatus(ctx context.Context, data PaymentData) error {
	return client.call(ctx, MethodUpdatePaymentStatus, data)
}

// DriverClient credits driver earnings.
type DriverClient struct {
	invoker
}

// NewDriverClient wraps a connection to the driver service.
func NewDriverClient(conn grpc.ClientConnInterface, timeout time.Duration) *DriverClient {
	return &DriverClient{invoker{conn: conn, timeout: timeout}}
}

// AddEarnings records the driver share and platform fee for a booking.
func (client *DriverClient) AddEarnings(ctx context.Context, data PaymentData) error {
	return client.call(ctx, MethodAddEarnings, data)
}
