package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service and its stores.
var (
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrDuplicateIdempotencyKey  = errors.New("duplicate idempotency key")
	ErrIdempotencyKeyConflict   = errors.New("idempotency key reused with different parameters")
	ErrUnknownTransaction       = errors.New("unknown transaction")
	ErrUnknownWallet            = errors.New("unknown wallet")
	ErrUnknownDriverAccount     = errors.New("unknown driver payout account")
	ErrTransactionClosed        = errors.New("transaction already terminal")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidTransactionID     = errors.New("invalid transaction id")
	ErrInvalidIdempotencyKey    = errors.New("invalid idempotency key")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidCurrency          = errors.New("invalid currency")
	ErrInvalidDirection         = errors.New("invalid direction")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidCheckoutStatus    = errors.New("invalid checkout status")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
