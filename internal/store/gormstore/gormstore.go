package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintWalletIdempotencyKey   = "uniq_wallet_transactions_idempotency_key"
	constraintCheckoutIdempotencyKey = "uniq_transactions_idempotency_key"
	defaultMetadataJSON              = "{}"
	pgUniqueViolationCode            = "23505"
	sqliteConstraintCode             = 19
	errorOperationStore              = "store"
	errorSubjectWallet               = "wallet"
	errorSubjectTransaction          = "transaction"
	errorSubjectCheckout             = "checkout"
	errorSubjectDriverAccount        = "driver_account"
	errorCodeCount                   = "count"
	errorCodeCreate                  = "create"
	errorCodeDuplicate               = "duplicate"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeLock                    = "lock"
	errorCodeLookup                  = "lookup"
	errorCodeUpdate                  = "update"
	errorCodeUpdateStatus            = "update_status"
)

// Store implements ledger.Store, ledger.CheckoutStore and ledger.DriverAccountStore using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateWallet(ctx context.Context, userID ledger.UserID, currency ledger.Currency) (ledger.Wallet, error) {
	candidate := Wallet{UserID: userID.String(), Currency: currency.String()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "currency"}},
			DoNothing: true,
		}).
		Create(&candidate).Error
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	var model Wallet
	err = store.db.WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID.String(), currency.String()).
		Take(&model).Error
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	return mapWallet(model), nil
}

func (store *Store) LockWallet(ctx context.Context, walletID string) (ledger.Wallet, error) {
	var model Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_id = ?", walletID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, ledger.ErrUnknownWallet)
		}
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return mapWallet(model), nil
}

func (store *Store) UpdateWalletAmounts(ctx context.Context, walletID string, balance ledger.Amount, reserved ledger.Amount) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ?", walletID).
		Updates(map[string]interface{}{
			"balance":    balance.Int64(),
			"reserved":   reserved.Int64(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrUnknownWallet)
	}
	return nil
}

func (store *Store) CountTransactions(ctx context.Context, walletID string) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&WalletTransaction{}).
		Where("wallet_id = ?", walletID).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.WalletTransaction) (ledger.WalletTransaction, error) {
	model := WalletTransaction{
		TransactionID:  transaction.ID,
		WalletID:       transaction.WalletID,
		UserID:         transaction.UserID,
		Direction:      transaction.Direction.String(),
		Amount:         transaction.Amount.Int64(),
		Status:         transaction.Status.String(),
		IdempotencyKey: transaction.IdempotencyKey,
		Reason:         transaction.Reason,
		ReferenceID:    transaction.ReferenceID,
		BalanceBefore:  transaction.BalanceBefore.Int64(),
		BalanceAfter:   transaction.BalanceAfter.Int64(),
		ReservedBefore: transaction.ReservedBefore.Int64(),
		ReservedAfter:  transaction.ReservedAfter.Int64(),
		Metadata:       datatypesJSON(transaction.Metadata.String()),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintWalletIdempotencyKey) {
		return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	inserted, err := mapWalletTransaction(model)
	if err != nil {
		return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return inserted, nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.WalletTransaction, error) {
	return store.takeTransaction(ctx, store.db.WithContext(ctx), errorCodeGet, "transaction_id = ?", transactionID.String())
}

func (store *Store) LockTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.WalletTransaction, error) {
	locked := store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	return store.takeTransaction(ctx, locked, errorCodeLock, "transaction_id = ?", transactionID.String())
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.WalletTransaction, error) {
	return store.takeTransaction(ctx, store.db.WithContext(ctx), errorCodeLookup, "idempotency_key = ?", key.String())
}

func (store *Store) CloseTransaction(ctx context.Context, transaction ledger.WalletTransaction) error {
	result := store.db.WithContext(ctx).
		Model(&WalletTransaction{}).
		Where("transaction_id = ? AND status = ?", transaction.ID, ledger.TransactionStatusPending.String()).
		Updates(map[string]interface{}{
			"status":          transaction.Status.String(),
			"balance_before":  transaction.BalanceBefore.Int64(),
			"balance_after":   transaction.BalanceAfter.Int64(),
			"reserved_before": transaction.ReservedBefore.Int64(),
			"reserved_after":  transaction.ReservedAfter.Int64(),
			"metadata":        datatypesJSON(transaction.Metadata.String()),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrTransactionClosed)
	}
	return nil
}

func (store *Store) takeTransaction(_ context.Context, query *gorm.DB, code string, condition string, value string) (ledger.WalletTransaction, error) {
	var model WalletTransaction
	err := query.Where(condition, value).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, code, ledger.ErrUnknownTransaction)
		}
		return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, code, err)
	}
	transaction, err := mapWalletTransaction(model)
	if err != nil {
		return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapWallet(model Wallet) ledger.Wallet {
	return ledger.Wallet{
		ID:        model.WalletID,
		UserID:    model.UserID,
		Currency:  model.Currency,
		Balance:   ledger.Amount(model.Balance),
		Reserved:  ledger.Amount(model.Reserved),
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}

func mapWalletTransaction(model WalletTransaction) (ledger.WalletTransaction, error) {
	direction, err := ledger.ParseDirection(model.Direction)
	if err != nil {
		return ledger.WalletTransaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(model.Status)
	if err != nil {
		return ledger.WalletTransaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return ledger.WalletTransaction{}, err
	}
	return ledger.WalletTransaction{
		ID:             model.TransactionID,
		WalletID:       model.WalletID,
		UserID:         model.UserID,
		Direction:      direction,
		Amount:         ledger.Amount(model.Amount),
		Status:         status,
		IdempotencyKey: model.IdempotencyKey,
		Reason:         model.Reason,
		ReferenceID:    model.ReferenceID,
		BalanceBefore:  ledger.Amount(model.BalanceBefore),
		BalanceAfter:   ledger.Amount(model.BalanceAfter),
		ReservedBefore: ledger.Amount(model.ReservedBefore),
		ReservedAfter:  ledger.Amount(model.ReservedAfter),
		Metadata:       metadata,
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
