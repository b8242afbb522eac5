package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Amount is an integer quantity in the smallest currency unit (paise, cents).
type Amount int64

// Int64 exposes the raw value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// NewAmount validates a non-negative amount.
func NewAmount(raw int64) (Amount, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// PositiveAmount is an Amount that is strictly greater than zero.
type PositiveAmount struct {
	value Amount
}

// NewPositiveAmount validates an amount and ensures it is strictly positive.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return PositiveAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount{value: Amount(raw)}, nil
}

// ToAmount returns the plain amount.
func (amount PositiveAmount) ToAmount() Amount {
	return amount.value
}

// Int64 exposes the raw value.
func (amount PositiveAmount) Int64() int64 {
	return int64(amount.value)
}

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// TransactionID identifies a wallet transaction.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a wallet transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection. Keys are globally unique across wallets.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// Currency is an upper-cased ISO-4217 style code.
type Currency struct {
	value string
}

// NewCurrency validates and upper-cases a currency code.
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != 3 {
		return Currency{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
	for _, character := range normalized {
		if character < 'A' || character > 'Z' {
			return Currency{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
		}
	}
	return Currency{value: normalized}, nil
}

// String returns the upper-case code.
func (currency Currency) String() string {
	return currency.value
}

// MetadataJSON stores free-form request metadata as a JSON object.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = defaultMetadataJSON
	}
	var object map[string]any
	if err := json.Unmarshal([]byte(normalized), &object); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap encodes a map as metadata.
func MetadataFromMap(values map[string]any) (MetadataJSON, error) {
	if len(values) == 0 {
		return MetadataJSON{value: defaultMetadataJSON}, nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(encoded)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// Values decodes the metadata into a map.
func (metadata MetadataJSON) Values() map[string]any {
	values := map[string]any{}
	_ = json.Unmarshal([]byte(metadata.String()), &values)
	return values
}

// With returns a copy of the metadata with key set to value.
func (metadata MetadataJSON) With(key string, value any) MetadataJSON {
	values := metadata.Values()
	values[key] = value
	updated, err := MetadataFromMap(values)
	if err != nil {
		return metadata
	}
	return updated
}

// Direction is the sign of a wallet transaction.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// ParseDirection validates a stored direction value.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(raw) {
	case DirectionCredit, DirectionDebit:
		return Direction(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
	}
}

// String returns the stored representation.
func (direction Direction) String() string {
	return string(direction)
}

// TransactionStatus defines the wallet transaction lifecycle. Pending is the only non-terminal state.
type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusSettled TransactionStatus = "settled"
	TransactionStatusFailed  TransactionStatus = "failed"
)

// ParseTransactionStatus validates a stored status value.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case TransactionStatusPending, TransactionStatusSettled, TransactionStatusFailed:
		return TransactionStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// IsTerminal reports whether no further transition is allowed.
func (status TransactionStatus) IsTerminal() bool {
	return status == TransactionStatusSettled || status == TransactionStatusFailed
}

// Wallet is one balance row per (user, currency).
type Wallet struct {
	ID        string
	UserID    string
	Currency  string
	Balance   Amount
	Reserved  Amount
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available is the only spendable amount.
func (wallet Wallet) Available() Amount {
	return wallet.Balance - wallet.Reserved
}

// WalletTransaction is one debit or credit applied or attempted against a wallet.
type WalletTransaction struct {
	ID             string
	WalletID       string
	UserID         string
	Direction      Direction
	Amount         Amount
	Status         TransactionStatus
	IdempotencyKey string
	Reason         string
	ReferenceID    string
	BalanceBefore  Amount
	BalanceAfter   Amount
	ReservedBefore Amount
	ReservedAfter  Amount
	Metadata       MetadataJSON
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WalletBalance is the read view returned by Service.Balance.
type WalletBalance struct {
	Wallet           Wallet
	TransactionCount int64
}

// PaymentMethod enumerates checkout transaction payment methods.
type PaymentMethod string

const (
	PaymentMethodStripe PaymentMethod = "stripe"
	PaymentMethodWallet PaymentMethod = "wallet"
	PaymentMethodCash   PaymentMethod = "cash"
)

// CheckoutStatus defines the checkout transaction lifecycle.
type CheckoutStatus string

const (
	CheckoutStatusPending   CheckoutStatus = "pending"
	CheckoutStatusCompleted CheckoutStatus = "completed"
	CheckoutStatusFailed    CheckoutStatus = "failed"
)

// ParseCheckoutStatus validates a stored checkout status.
func ParseCheckoutStatus(raw string) (CheckoutStatus, error) {
	switch CheckoutStatus(raw) {
	case CheckoutStatusPending, CheckoutStatusCompleted, CheckoutStatusFailed:
		return CheckoutStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCheckoutStatus, raw)
	}
}

// CheckoutTransaction is one hosted-checkout payment.
type CheckoutTransaction struct {
	ID              string
	TransactionID   string
	BookingID       string
	UserID          string
	DriverID        string
	Amount          Amount
	PaymentMethod   PaymentMethod
	Status          CheckoutStatus
	AdminShare      Amount
	DriverShare     Amount
	StripeSessionID string
	IdempotencyKey  string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DriverAccount maps a driver to the payout-rail account that receives transfers.
type DriverAccount struct {
	DriverID  string
	AccountID string
	Email     string
	Status    string
}

// Store is the persistence contract used by Service.
// Every method called on the txStore passed to WithTx runs inside that transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateWallet(ctx context.Context, userID UserID, currency Currency) (Wallet, error)
	LockWallet(ctx context.Context, walletID string) (Wallet, error)
	UpdateWalletAmounts(ctx context.Context, walletID string, balance Amount, reserved Amount) error
	CountTransactions(ctx context.Context, walletID string) (int64, error)
	InsertTransaction(ctx context.Context, transaction WalletTransaction) (WalletTransaction, error)
	GetTransaction(ctx context.Context, transactionID TransactionID) (WalletTransaction, error)
	LockTransaction(ctx context.Context, transactionID TransactionID) (WalletTransaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, key IdempotencyKey) (WalletTransaction, error)
	CloseTransaction(ctx context.Context, transaction WalletTransaction) error
}

// CheckoutStore persists checkout transactions.
type CheckoutStore interface {
	FindCheckoutByIdempotencyKey(ctx context.Context, key IdempotencyKey) (CheckoutTransaction, error)
	FindCheckoutByTransactionID(ctx context.Context, transactionID TransactionID) (CheckoutTransaction, error)
	CreateCheckout(ctx context.Context, checkout CheckoutTransaction) (CheckoutTransaction, error)
	ResetCheckout(ctx context.Context, checkoutID string, amount Amount, adminShare Amount, driverShare Amount) error
	AttachCheckoutSession(ctx context.Context, checkoutID string, sessionID string) error
	CompleteCheckout(ctx context.Context, checkoutID string) (CheckoutTransaction, bool, error)
	FailCheckout(ctx context.Context, checkoutID string, reason string) error
}

// DriverAccountStore resolves driver payout accounts.
type DriverAccountStore interface {
	FindDriverAccount(ctx context.Context, driverID string) (DriverAccount, error)
}
