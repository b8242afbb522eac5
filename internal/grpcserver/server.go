// Package grpcserver exposes the payment flows to internal services over gRPC.
//
// Messages are google.protobuf.Struct values keyed like the HTTP JSON bodies.
package grpcserver

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/internal/settlement"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName              = "payment.PaymentService"
	MethodConfirmCashPayment = "/" + ServiceName + "/ConfirmCashPayment"
	MethodWalletPayment      = "/" + ServiceName + "/WalletPayment"
	MethodPaymentStatus      = "/" + ServiceName + "/PaymentStatus"

	fieldBookingID     = "bookingId"
	fieldUserID        = "userId"
	fieldDriverID      = "driverId"
	fieldAmount        = "amount"
	fieldStatus        = "status"
	fieldMessage       = "message"
	fieldReplayed      = "replayed"
	fieldTransactionID = "transactionId"
	fieldTransferID    = "transferId"
	fieldPlatformFee   = "platformFee"
	fieldDriverShare   = "driverShare"

	errorInvalidAmount = "amount must be a whole number"
	errorInternal      = "internal error"
)

var errInvalidAmount = errors.New(errorInvalidAmount)

// Payments is the settlement surface served over gRPC.
type Payments interface {
	ConfirmCashPayment(ctx context.Context, request settlement.CashPaymentRequest) (settlement.CashPaymentResult, error)
	PayFromWallet(ctx context.Context, request settlement.WalletPaymentRequest) (settlement.WalletPaymentResult, error)
	WalletPaymentStatus(ctx context.Context, userID string, bookingID string) (settlement.PaymentStatus, error)
}

// PaymentServiceServer adapts settlement flows to Struct requests.
type PaymentServiceServer struct {
	payments Payments
}

// NewPaymentServiceServer constructs the gRPC handler set.
func NewPaymentServiceServer(payments Payments) *PaymentServiceServer {
	return &PaymentServiceServer{payments: payments}
}

type paymentServiceHandler interface {
	ConfirmCashPayment(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	WalletPayment(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	PaymentStatus(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// Register installs the payment service on server.
func Register(server grpc.ServiceRegistrar, handler *PaymentServiceServer) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*paymentServiceHandler)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ConfirmCashPayment", Handler: unaryHandler(MethodConfirmCashPayment, paymentServiceHandler.ConfirmCashPayment)},
			{MethodName: "WalletPayment", Handler: unaryHandler(MethodWalletPayment, paymentServiceHandler.WalletPayment)},
			{MethodName: "PaymentStatus", Handler: unaryHandler(MethodPaymentStatus, paymentServiceHandler.PaymentStatus)},
		},
	}, handler)
}

func unaryHandler(fullMethod string, call func(paymentServiceHandler, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := &structpb.Struct{}
		if err := decode(request); err != nil {
			return nil, err
		}
		handler := srv.(paymentServiceHandler)
		if interceptor == nil {
			return call(handler, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
			return call(handler, ctx, request.(*structpb.Struct))
		})
	}
}

func (service *PaymentServiceServer) ConfirmCashPayment(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	fields := request.GetFields()
	amount, err := wholeNumber(fields[fieldAmount])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	result, err := service.payments.ConfirmCashPayment(ctx, settlement.CashPaymentRequest{
		BookingID: fields[fieldBookingID].GetStringValue(),
		UserID:    fields[fieldUserID].GetStringValue(),
		DriverID:  fields[fieldDriverID].GetStringValue(),
		Amount:    amount,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{
		fieldStatus:      float64(result.Status),
		fieldMessage:     result.Message,
		fieldReplayed:    result.Replayed,
		fieldPlatformFee: float64(result.PlatformFee.Int64()),
		fieldDriverShare: float64(result.DriverShare.Int64()),
	})
}

func (service *PaymentServiceServer) WalletPayment(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	fields := request.GetFields()
	amount, err := wholeNumber(fields[fieldAmount])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	result, err := service.payments.PayFromWallet(ctx, settlement.WalletPaymentRequest{
		BookingID: fields[fieldBookingID].GetStringValue(),
		UserID:    fields[fieldUserID].GetStringValue(),
		DriverID:  fields[fieldDriverID].GetStringValue(),
		Amount:    amount,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{
		fieldTransactionID: result.TransactionID,
		fieldTransferID:    result.TransferID,
		fieldAmount:        float64(result.Amount.Int64()),
		fieldPlatformFee:   float64(result.PlatformFee.Int64()),
		fieldDriverShare:   float64(result.DriverShare.Int64()),
		fieldReplayed:      result.Replayed,
	})
}

func (service *PaymentServiceServer) PaymentStatus(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	fields := request.GetFields()
	result, err := service.payments.WalletPaymentStatus(ctx, fields[fieldUserID].GetStringValue(), fields[fieldBookingID].GetStringValue())
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{
		fieldBookingID:     result.BookingID,
		fieldTransactionID: result.TransactionID,
		fieldStatus:        result.Status.String(),
		fieldAmount:        float64(result.Amount.Int64()),
		fieldTransferID:    result.TransferID,
	})
}

// wholeNumber rejects fractional and out of range amounts; a missing value reads as zero.
func wholeNumber(value *structpb.Value) (int64, error) {
	number := value.GetNumberValue()
	if math.IsNaN(number) || math.IsInf(number, 0) || number != math.Trunc(number) || math.Abs(number) > 1<<53 {
		return 0, errInvalidAmount
	}
	return int64(number), nil
}

func mapToGRPCError(source error) error {
	failure := settlement.AsFailure(source)
	message := failure.Message
	if failure.Reference != "" {
		message += " (reference " + failure.Reference + ")"
	}
	switch failure.Kind {
	case settlement.KindInvalidRequest:
		return status.Error(codes.InvalidArgument, message)
	case settlement.KindInsufficientFunds:
		return status.Error(codes.FailedPrecondition, message)
	case settlement.KindConflict:
		return status.Error(codes.AlreadyExists, message)
	case settlement.KindExternalFailure:
		return status.Error(codes.Unavailable, message)
	case settlement.KindReconciliationRequired:
		return status.Error(codes.DataLoss, message)
	default:
		return status.Error(codes.Internal, errorInternal)
	}
}

// LoggingInterceptor logs every unary call with its resulting status code.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("elapsed", time.Since(started)),
		}
		switch code {
		case codes.OK:
			logger.Debug("grpc call", fields...)
		case codes.Internal, codes.DataLoss:
			logger.Error("grpc call", append(fields, zap.Error(err))...)
		default:
			logger.Info("grpc call", append(fields, zap.Error(err))...)
		}
		return response, err
	}
}
