package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table.
type Wallet struct {
	WalletID  string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index:idx_wallets_user_currency,unique,priority:1"`
	Currency  string    `gorm:"not null;index:idx_wallets_user_currency,unique,priority:2"`
	Balance   int64     `gorm:"not null;default:0"`
	Reserved  int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.WalletID == "" {
		wallet.WalletID = uuid.NewString()
	}
	return nil
}

// WalletTransaction mirrors the wallet_transactions table.
type WalletTransaction struct {
	TransactionID  string         `gorm:"primaryKey"`
	WalletID       string         `gorm:"not null;index:idx_wallet_transactions_wallet_created,priority:1"`
	UserID         string         `gorm:"not null"`
	Direction      string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	Status         string         `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:uniq_wallet_transactions_idempotency_key"`
	Reason         string         `gorm:"not null;default:''"`
	ReferenceID    string         `gorm:"not null;default:''"`
	BalanceBefore  int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	ReservedBefore int64          `gorm:"not null"`
	ReservedAfter  int64          `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_wallet_transactions_wallet_created,priority:2"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

func (transaction *WalletTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// CheckoutTransaction mirrors the transactions table used by hosted checkout.
type CheckoutTransaction struct {
	CheckoutID      string    `gorm:"primaryKey"`
	TransactionID   string    `gorm:"not null;uniqueIndex:uniq_transactions_transaction_id"`
	BookingID       string    `gorm:"not null;index:idx_transactions_booking"`
	UserID          string    `gorm:"not null"`
	DriverID        string    `gorm:"not null"`
	Amount          int64     `gorm:"not null"`
	PaymentMethod   string    `gorm:"not null"`
	Status          string    `gorm:"not null"`
	AdminShare      int64     `gorm:"not null"`
	DriverShare     int64     `gorm:"not null"`
	StripeSessionID string    `gorm:"not null;default:''"`
	IdempotencyKey  string    `gorm:"not null;uniqueIndex:uniq_transactions_idempotency_key"`
	FailureReason   string    `gorm:"not null;default:''"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (CheckoutTransaction) TableName() string { return "transactions" }

func (checkout *CheckoutTransaction) BeforeCreate(tx *gorm.DB) error {
	if checkout.CheckoutID == "" {
		checkout.CheckoutID = uuid.NewString()
	}
	if checkout.TransactionID == "" {
		checkout.TransactionID = "txn_" + uuid.NewString()
	}
	return nil
}

// DriverPayoutAccount mirrors the driver_payout_accounts table.
type DriverPayoutAccount struct {
	DriverID  string    `gorm:"primaryKey"`
	AccountID string    `gorm:"not null"`
	Email     string    `gorm:"not null;default:''"`
	Status    string    `gorm:"not null;default:'active'"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (DriverPayoutAccount) TableName() string { return "driver_payout_accounts" }

// Migrate creates or updates every table owned by this store.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Wallet{}, &WalletTransaction{}, &CheckoutTransaction{}, &DriverPayoutAccount{})
}
