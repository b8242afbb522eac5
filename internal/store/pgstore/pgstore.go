package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintWalletIdempotencyKey = "uniq_wallet_transactions_idempotency_key"
	pgUniqueViolationCode          = "23505"
	errorOperationStore            = "store"
	errorSubjectWallet             = "wallet"
	errorSubjectTransaction        = "transaction"
	errorCodeBegin                 = "begin"
	errorCodeCommit                = "commit"
	errorCodeCount                 = "count"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeInvalid               = "invalid"
	errorCodeLock                  = "lock"
	errorCodeLookup                = "lookup"
	errorCodeUpdate                = "update"
	errorCodeUpdateStatus          = "update_status"

	sqlInsertOrGetWallet = `
		insert into wallets(wallet_id, user_id, currency, balance, reserved, created_at, updated_at)
		values($1, $2, $3, 0, 0, now(), now())
		on conflict (user_id, currency) do update set user_id = excluded.user_id
		returning wallet_id, user_id, currency, balance, reserved, created_at, updated_at
	`

	sqlLockWallet = `
		select wallet_id, user_id, currency, balance, reserved, created_at, updated_at
		from wallets
		where wallet_id = $1
		for update
	`

	sqlUpdateWalletAmounts = `
		update wallets set balance = $2, reserved = $3, updated_at = now()
		where wallet_id = $1
	`

	sqlCountTransactions = `select count(*) from wallet_transactions where wallet_id = $1`

	sqlInsertTransaction = `
		insert into wallet_transactions(
			transaction_id, wallet_id, user_id, direction, amount, status, idempotency_key, reason, reference_id,
			balance_before, balance_after, reserved_before, reserved_after, metadata, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, coalesce(nullif($14,''),'{}')::jsonb, now(), now())
		returning created_at, updated_at
	`

	sqlSelectTransactionColumns = `
		select transaction_id, wallet_id, user_id, direction, amount, status, idempotency_key, reason, reference_id,
			balance_before, balance_after, reserved_before, reserved_after, coalesce(metadata::text,'{}'), created_at, updated_at
		from wallet_transactions
	`

	sqlSelectTransactionByID   = sqlSelectTransactionColumns + ` where transaction_id = $1`
	sqlLockTransactionByID     = sqlSelectTransactionColumns + ` where transaction_id = $1 for update`
	sqlSelectTransactionByIdem = sqlSelectTransactionColumns + ` where idempotency_key = $1`

	sqlCloseTransaction = `
		update wallet_transactions
		set status = $2, balance_before = $3, balance_after = $4, reserved_before = $5, reserved_after = $6,
			metadata = coalesce(nullif($7,''),'{}')::jsonb, updated_at = now()
		where transaction_id = $1 and status = 'pending'
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queryRunner
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queryRunner
}

type queryRunner struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queryRunner: queryRunner{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queryRunner: queryRunner{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx runs fn in the already open transaction.
func (txStore *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, txStore)
}

func (runner queryRunner) GetOrCreateWallet(ctx context.Context, userID ledger.UserID, currency ledger.Currency) (ledger.Wallet, error) {
	wallet, err := scanWallet(runner.db.QueryRow(ctx, sqlInsertOrGetWallet, uuid.NewString(), userID.String(), currency.String()))
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	return wallet, nil
}

func (runner queryRunner) LockWallet(ctx context.Context, walletID string) (ledger.Wallet, error) {
	wallet, err := scanWallet(runner.db.QueryRow(ctx, sqlLockWallet, walletID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, ledger.ErrUnknownWallet)
		}
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return wallet, nil
}

func (runner queryRunner) UpdateWalletAmounts(ctx context.Context, walletID string, balance ledger.Amount, reserved ledger.Amount) error {
	tag, err := runner.db.Exec(ctx, sqlUpdateWalletAmounts, walletID, balance.Int64(), reserved.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrUnknownWallet)
	}
	return nil
}

func (runner queryRunner) CountTransactions(ctx context.Context, walletID string) (int64, error) {
	var count int64
	if err := runner.db.QueryRow(ctx, sqlCountTransactions, walletID).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	return count, nil
}

func (runner queryRunner) InsertTransaction(ctx context.Context, transaction ledger.WalletTransaction) (ledger.WalletTransaction, error) {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	err := runner.db.QueryRow(ctx, sqlInsertTransaction,
		transaction.ID,
		transaction.WalletID,
		transaction.UserID,
		transaction.Direction.String(),
		transaction.Amount.Int64(),
		transaction.Status.String(),
		transaction.IdempotencyKey,
		transaction.Reason,
		transaction.ReferenceID,
		transaction.BalanceBefore.Int64(),
		transaction.BalanceAfter.Int64(),
		transaction.ReservedBefore.Int64(),
		transaction.ReservedAfter.Int64(),
		transaction.Metadata.String(),
	).Scan(&transaction.CreatedAt, &transaction.UpdatedAt)
	if isUniqueViolation(err, constraintWalletIdempotencyKey) {
		return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return transaction, nil
}

func (runner queryRunner) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.WalletTransaction, error) {
	return runner.selectTransaction(ctx, errorCodeGet, sqlSelectTransactionByID, transactionID.String())
}

func (runner queryRunner) LockTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.WalletTransaction, error) {
	return runner.selectTransaction(ctx, errorCodeLock, sqlLockTransactionByID, transactionID.String())
}

func (runner queryRunner) FindTransactionByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.WalletTransaction, error) {
	return runner.selectTransaction(ctx, errorCodeLookup, sqlSelectTransactionByIdem, key.String())
}

func (runner queryRunner) CloseTransaction(ctx context.Context, transaction ledger.WalletTransaction) error {
	tag, err := runner.db.Exec(ctx, sqlCloseTransaction,
		transaction.ID,
		transaction.Status.String(),
		transaction.BalanceBefore.Int64(),
		transaction.BalanceAfter.Int64(),
		transaction.ReservedBefore.Int64(),
		transaction.ReservedAfter.Int64(),
		transaction.Metadata.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrTransactionClosed)
	}
	return nil
}

func (runner queryRunner) selectTransaction(ctx context.Context, code string, sql string, value string) (ledger.WalletTransaction, error) {
	var (
		transaction ledger.WalletTransaction
		direction   string
		status      string
		amounts     [5]int64
		metadataRaw string
	)
	err := runner.db.QueryRow(ctx, sql, value).Scan(
		&transaction.ID,
		&transaction.WalletID,
		&transaction.UserID,
		&direction,
		&amounts[0],
		&status,
		&transaction.IdempotencyKey,
		&transaction.Reason,
		&transaction.ReferenceID,
		&amounts[1],
		&amounts[2],
		&amounts[3],
		&amounts[4],
		&metadataRaw,
		&transaction.CreatedAt,
		&transaction.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, code, ledger.ErrUnknownTransaction)
		}
		return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, code, err)
	}
	parsedDirection, err := ledger.ParseDirection(direction)
	if err != nil {
		return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	parsedStatus, err := ledger.ParseTransactionStatus(status)
	if err != nil {
		return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	metadata, err := ledger.NewMetadataJSON(metadataRaw)
	if err != nil {
		return ledger.WalletTransaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	transaction.Direction = parsedDirection
	transaction.Status = parsedStatus
	transaction.Amount = ledger.Amount(amounts[0])
	transaction.BalanceBefore = ledger.Amount(amounts[1])
	transaction.BalanceAfter = ledger.Amount(amounts[2])
	transaction.ReservedBefore = ledger.Amount(amounts[3])
	transaction.ReservedAfter = ledger.Amount(amounts[4])
	transaction.Metadata = metadata
	return transaction, nil
}

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var (
		wallet   ledger.Wallet
		balance  int64
		reserved int64
	)
	if err := row.Scan(&wallet.ID, &wallet.UserID, &wallet.Currency, &balance, &reserved, &wallet.CreatedAt, &wallet.UpdatedAt); err != nil {
		return ledger.Wallet{}, err
	}
	wallet.Balance = ledger.Amount(balance)
	wallet.Reserved = ledger.Amount(reserved)
	return wallet, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
