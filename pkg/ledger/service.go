package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the wallet ledger logic over a Store.
type Service struct {
	store    Store
	nowFn    func() int64
	currency Currency
	logger   OperationLogger
}

// ReserveRequest describes a debit that earmarks funds until it is settled or released.
type ReserveRequest struct {
	UserID         UserID
	Amount         PositiveAmount
	IdempotencyKey IdempotencyKey
	Reason         string
	ReferenceID    string
	Metadata       MetadataJSON
}

// ReserveResult carries the pending transaction. Replayed is set when the idempotency key
// already existed and no new transaction was written.
type ReserveResult struct {
	Transaction WalletTransaction
	Replayed    bool
}

// CreditRequest describes an immediate, settled credit.
type CreditRequest struct {
	UserID         UserID
	Amount         PositiveAmount
	IdempotencyKey IdempotencyKey
	Reason         string
	ReferenceID    string
	Metadata       MetadataJSON
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	defaultCurrency, _ := NewCurrency(DefaultCurrency)
	service := &Service{store: store, nowFn: now, currency: defaultCurrency}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.currency.String() == "" {
		return nil, fmt.Errorf("%w: currency is empty", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Currency returns the ledger currency.
func (service *Service) Currency() Currency {
	return service.currency
}

// Balance returns the caller's wallet, creating it on first access.
func (service *Service) Balance(ctx context.Context, userID UserID) (WalletBalance, error) {
	wallet, err := service.store.GetOrCreateWallet(ctx, userID, service.currency)
	if err != nil {
		return WalletBalance{}, err
	}
	count, err := service.store.CountTransactions(ctx, wallet.ID)
	if err != nil {
		return WalletBalance{}, err
	}
	return WalletBalance{Wallet: wallet, TransactionCount: count}, nil
}

// Lookup returns the wallet transaction recorded for an idempotency key.
func (service *Service) Lookup(ctx context.Context, key IdempotencyKey) (WalletTransaction, error) {
	return service.store.FindTransactionByIdempotencyKey(ctx, key)
}

// Reserve earmarks funds under a wallet row lock. A request whose idempotency key already
// exists returns the stored transaction instead of writing a second one.
func (service *Service) Reserve(ctx context.Context, request ReserveRequest) (ReserveResult, error) {
	var result ReserveResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, found, err := findExisting(ctx, transactionStore, request.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			result = ReserveResult{Transaction: existing, Replayed: true}
			return nil
		}
		wallet, err := service.lockWalletFor(ctx, transactionStore, request.UserID)
		if err != nil {
			return err
		}
		amount := request.Amount.ToAmount()
		if wallet.Available() < amount {
			return ErrInsufficientFunds
		}
		nextReserved := wallet.Reserved + amount
		if err := checkWalletInvariant(wallet.Balance, nextReserved); err != nil {
			return err
		}
		inserted, err := transactionStore.InsertTransaction(ctx, WalletTransaction{
			WalletID:       wallet.ID,
			UserID:         request.UserID.String(),
			Direction:      DirectionDebit,
			Amount:         amount,
			Status:         TransactionStatusPending,
			IdempotencyKey: request.IdempotencyKey.String(),
			Reason:         request.Reason,
			ReferenceID:    request.ReferenceID,
			BalanceBefore:  wallet.Balance,
			BalanceAfter:   wallet.Balance,
			ReservedBefore: wallet.Reserved,
			ReservedAfter:  nextReserved,
			Metadata:       request.Metadata,
		})
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateWalletAmounts(ctx, wallet.ID, wallet.Balance, nextReserved); err != nil {
			return err
		}
		result = ReserveResult{Transaction: inserted}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		// A concurrent request won the unique constraint; its row is now committed.
		existing, lookupError := service.store.FindTransactionByIdempotencyKey(ctx, request.IdempotencyKey)
		if lookupError == nil {
			result = ReserveResult{Transaction: existing, Replayed: true}
			operationError = nil
		}
	}
	if operationError == nil && result.Replayed {
		operationError = matchReplay(result.Transaction, request.UserID, DirectionDebit, request.Amount)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationReserve,
		UserID:         request.UserID.String(),
		TransactionID:  result.Transaction.ID,
		Amount:         request.Amount.ToAmount(),
		IdempotencyKey: request.IdempotencyKey.String(),
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return ReserveResult{}, operationError
	}
	return result, nil
}

// Settle converts a reservation into a final debit: balance and reserved both drop by the amount.
func (service *Service) Settle(ctx context.Context, transactionID TransactionID, externalReference string) (WalletTransaction, error) {
	settled, operationError := service.closeReservation(ctx, transactionID, func(wallet Wallet, transaction WalletTransaction) (WalletTransaction, error) {
		nextBalance := wallet.Balance - transaction.Amount
		nextReserved := wallet.Reserved - transaction.Amount
		if err := checkWalletInvariant(nextBalance, nextReserved); err != nil {
			return WalletTransaction{}, err
		}
		transaction.Status = TransactionStatusSettled
		transaction.BalanceBefore = wallet.Balance
		transaction.BalanceAfter = nextBalance
		transaction.ReservedBefore = wallet.Reserved
		transaction.ReservedAfter = nextReserved
		transaction.Metadata = transaction.Metadata.
			With(metadataKeyExternalReference, externalReference).
			With(metadataKeyClosedAtUnixUTC, service.nowFn())
		return transaction, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationSettle,
		UserID:         settled.UserID,
		TransactionID:  transactionID.String(),
		Amount:         settled.Amount,
		IdempotencyKey: settled.IdempotencyKey,
		Error:          operationError,
	})
	return settled, operationError
}

// Release gives a reservation back to available funds and marks the transaction failed.
func (service *Service) Release(ctx context.Context, transactionID TransactionID, reason string) (WalletTransaction, error) {
	released, operationError := service.closeReservation(ctx, transactionID, func(wallet Wallet, transaction WalletTransaction) (WalletTransaction, error) {
		nextReserved := wallet.Reserved - transaction.Amount
		if err := checkWalletInvariant(wallet.Balance, nextReserved); err != nil {
			return WalletTransaction{}, err
		}
		transaction.Status = TransactionStatusFailed
		transaction.BalanceBefore = wallet.Balance
		transaction.BalanceAfter = wallet.Balance
		transaction.ReservedBefore = wallet.Reserved
		transaction.ReservedAfter = nextReserved
		transaction.Metadata = transaction.Metadata.
			With(metadataKeyFailureReason, reason).
			With(metadataKeyClosedAtUnixUTC, service.nowFn())
		return transaction, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRelease,
		UserID:         released.UserID,
		TransactionID:  transactionID.String(),
		Amount:         released.Amount,
		IdempotencyKey: released.IdempotencyKey,
		Error:          operationError,
	})
	return released, operationError
}

// Credit appends a settled credit, used for rewards and top-ups.
func (service *Service) Credit(ctx context.Context, request CreditRequest) (WalletTransaction, error) {
	var credited WalletTransaction
	replayed := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, found, err := findExisting(ctx, transactionStore, request.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			credited = existing
			replayed = true
			return nil
		}
		wallet, err := service.lockWalletFor(ctx, transactionStore, request.UserID)
		if err != nil {
			return err
		}
		amount := request.Amount.ToAmount()
		nextBalance := wallet.Balance + amount
		if nextBalance < wallet.Balance {
			return WrapError(errorOperationService, errorSubjectWallet, errorCodeInvariant, ErrInvalidBalance)
		}
		inserted, err := transactionStore.InsertTransaction(ctx, WalletTransaction{
			WalletID:       wallet.ID,
			UserID:         request.UserID.String(),
			Direction:      DirectionCredit,
			Amount:         amount,
			Status:         TransactionStatusSettled,
			IdempotencyKey: request.IdempotencyKey.String(),
			Reason:         request.Reason,
			ReferenceID:    request.ReferenceID,
			BalanceBefore:  wallet.Balance,
			BalanceAfter:   nextBalance,
			ReservedBefore: wallet.Reserved,
			ReservedAfter:  wallet.Reserved,
			Metadata:       request.Metadata,
		})
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateWalletAmounts(ctx, wallet.ID, nextBalance, wallet.Reserved); err != nil {
			return err
		}
		credited = inserted
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		existing, lookupError := service.store.FindTransactionByIdempotencyKey(ctx, request.IdempotencyKey)
		if lookupError == nil {
			credited = existing
			replayed = true
			operationError = nil
		}
	}
	if operationError == nil && replayed {
		operationError = matchReplay(credited, request.UserID, DirectionCredit, request.Amount)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		UserID:         request.UserID.String(),
		TransactionID:  credited.ID,
		Amount:         request.Amount.ToAmount(),
		IdempotencyKey: request.IdempotencyKey.String(),
		Replayed:       replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return WalletTransaction{}, operationError
	}
	return credited, nil
}

// closeReservation locks the wallet before the transaction row so every writer takes locks in the same order.
func (service *Service) closeReservation(ctx context.Context, transactionID TransactionID, apply func(wallet Wallet, transaction WalletTransaction) (WalletTransaction, error)) (WalletTransaction, error) {
	var closed WalletTransaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		snapshot, err := transactionStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		wallet, err := transactionStore.LockWallet(ctx, snapshot.WalletID)
		if err != nil {
			return err
		}
		transaction, err := transactionStore.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if transaction.Status != TransactionStatusPending {
			closed = transaction
			return ErrTransactionClosed
		}
		if transaction.Direction != DirectionDebit {
			return WrapError(errorOperationService, errorSubjectWallet, errorCodeDirection, ErrInvalidDirection)
		}
		updated, err := apply(wallet, transaction)
		if err != nil {
			return err
		}
		if err := transactionStore.CloseTransaction(ctx, updated); err != nil {
			return err
		}
		if err := transactionStore.UpdateWalletAmounts(ctx, wallet.ID, updated.BalanceAfter, updated.ReservedAfter); err != nil {
			return err
		}
		closed = updated
		return nil
	})
	return closed, operationError
}

func (service *Service) lockWalletFor(ctx context.Context, transactionStore Store, userID UserID) (Wallet, error) {
	wallet, err := transactionStore.GetOrCreateWallet(ctx, userID, service.currency)
	if err != nil {
		return Wallet{}, err
	}
	return transactionStore.LockWallet(ctx, wallet.ID)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func findExisting(ctx context.Context, transactionStore Store, key IdempotencyKey) (WalletTransaction, bool, error) {
	existing, err := transactionStore.FindTransactionByIdempotencyKey(ctx, key)
	if err == nil {
		return existing, true, nil
	}
	if errors.Is(err, ErrUnknownTransaction) {
		return WalletTransaction{}, false, nil
	}
	return WalletTransaction{}, false, err
}

func matchReplay(existing WalletTransaction, userID UserID, direction Direction, amount PositiveAmount) error {
	if existing.UserID != userID.String() || existing.Direction != direction || existing.Amount != amount.ToAmount() {
		return ErrIdempotencyKeyConflict
	}
	return nil
}

// checkWalletInvariant enforces 0 <= reserved <= balance.
func checkWalletInvariant(balance Amount, reserved Amount) error {
	if reserved < 0 || reserved > balance {
		return WrapError(errorOperationService, errorSubjectWallet, errorCodeInvariant, ErrInvalidBalance)
	}
	return nil
}
