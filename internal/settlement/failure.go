package settlement

import (
	"errors"
	"fmt"
)

// Kind classifies a settlement failure for transports and operators.
type Kind string

const (
	KindInvalidRequest         Kind = "invalid_request"
	KindConflict               Kind = "conflict"
	KindInsufficientFunds      Kind = "insufficient_funds"
	KindExternalFailure        Kind = "external_failure"
	KindReconciliationRequired Kind = "reconciliation_required"
	KindInternal               Kind = "internal"
)

// Failure is the caller-visible error of every settlement operation.
// Reference is a support correlation id (wallet transaction, transfer or checkout transaction id) and may be empty.
type Failure struct {
	Kind      Kind
	Message   string
	Reference string
	cause     error
}

func (failure *Failure) Error() string {
	if failure.cause == nil {
		return fmt.Sprintf("%s: %s", failure.Kind, failure.Message)
	}
	return fmt.Sprintf("%s: %s: %v", failure.Kind, failure.Message, failure.cause)
}

func (failure *Failure) Unwrap() error {
	return failure.cause
}

// KindOf classifies err. Errors that are not a *Failure are Internal.
func KindOf(err error) Kind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return KindInternal
}

// AsFailure returns the *Failure carried by err, wrapping anything else as Internal.
func AsFailure(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	return &Failure{Kind: KindInternal, Message: "unexpected error", cause: err}
}

func newFailure(kind Kind, message string, reference string, cause error) *Failure {
	return &Failure{Kind: kind, Message: message, Reference: reference, cause: cause}
}

func invalidRequest(message string) *Failure {
	return &Failure{Kind: KindInvalidRequest, Message: message}
}
