package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore keeps wallets and transactions in memory. WithTx snapshots state and restores it
// when the callback fails so tests can observe rollback.
type stubStore struct {
	mu           sync.Mutex
	wallets      map[string]Wallet
	transactions map[string]WalletTransaction
	sequence     int
	failInsert   error
	inTx         bool
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		wallets:      map[string]Wallet{},
		transactions: map[string]WalletTransaction{},
	}
}

func (store *stubStore) seedWallet(test *testing.T, userID string, balance Amount) Wallet {
	test.Helper()
	wallet := Wallet{ID: "wallet-" + userID, UserID: userID, Currency: DefaultCurrency, Balance: balance}
	store.wallets[wallet.ID] = wallet
	return wallet
}

func (store *stubStore) walletFor(test *testing.T, userID string) Wallet {
	test.Helper()
	for _, wallet := range store.wallets {
		if wallet.UserID == userID {
			return wallet
		}
	}
	test.Fatalf("wallet for %s not found", userID)
	return Wallet{}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	walletSnapshot := make(map[string]Wallet, len(store.wallets))
	for key, value := range store.wallets {
		walletSnapshot[key] = value
	}
	transactionSnapshot := make(map[string]WalletTransaction, len(store.transactions))
	for key, value := range store.transactions {
		transactionSnapshot[key] = value
	}
	store.inTx = true
	err := fn(ctx, store)
	store.inTx = false
	if err != nil {
		store.wallets = walletSnapshot
		store.transactions = transactionSnapshot
	}
	return err
}

func (store *stubStore) GetOrCreateWallet(_ context.Context, userID UserID, currency Currency) (Wallet, error) {
	for _, wallet := range store.wallets {
		if wallet.UserID == userID.String() && wallet.Currency == currency.String() {
			return wallet, nil
		}
	}
	wallet := Wallet{ID: "wallet-" + userID.String(), UserID: userID.String(), Currency: currency.String()}
	store.wallets[wallet.ID] = wallet
	return wallet, nil
}

func (store *stubStore) LockWallet(_ context.Context, walletID string) (Wallet, error) {
	wallet, ok := store.wallets[walletID]
	if !ok {
		return Wallet{}, ErrUnknownWallet
	}
	return wallet, nil
}

func (store *stubStore) UpdateWalletAmounts(_ context.Context, walletID string, balance Amount, reserved Amount) error {
	wallet, ok := store.wallets[walletID]
	if !ok {
		return ErrUnknownWallet
	}
	wallet.Balance = balance
	wallet.Reserved = reserved
	store.wallets[walletID] = wallet
	return nil
}

func (store *stubStore) CountTransactions(_ context.Context, walletID string) (int64, error) {
	var count int64
	for _, transaction := range store.transactions {
		if transaction.WalletID == walletID {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction WalletTransaction) (WalletTransaction, error) {
	if store.failInsert != nil {
		return WalletTransaction{}, store.failInsert
	}
	for _, existing := range store.transactions {
		if existing.IdempotencyKey == transaction.IdempotencyKey {
			return WalletTransaction{}, ErrDuplicateIdempotencyKey
		}
	}
	store.sequence++
	transaction.ID = fmt.Sprintf("txn-%d", store.sequence)
	store.transactions[transaction.ID] = transaction
	return transaction, nil
}

func (store *stubStore) GetTransaction(_ context.Context, transactionID TransactionID) (WalletTransaction, error) {
	transaction, ok := store.transactions[transactionID.String()]
	if !ok {
		return WalletTransaction{}, ErrUnknownTransaction
	}
	return transaction, nil
}

func (store *stubStore) LockTransaction(ctx context.Context, transactionID TransactionID) (WalletTransaction, error) {
	return store.GetTransaction(ctx, transactionID)
}

func (store *stubStore) FindTransactionByIdempotencyKey(_ context.Context, key IdempotencyKey) (WalletTransaction, error) {
	for _, transaction := range store.transactions {
		if transaction.IdempotencyKey == key.String() {
			return transaction, nil
		}
	}
	return WalletTransaction{}, ErrUnknownTransaction
}

func (store *stubStore) CloseTransaction(_ context.Context, transaction WalletTransaction) error {
	existing, ok := store.transactions[transaction.ID]
	if !ok {
		return ErrUnknownTransaction
	}
	if existing.Status != TransactionStatusPending {
		return ErrTransactionClosed
	}
	store.transactions[transaction.ID] = transaction
	return nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmount {
	test.Helper()
	amount, err := NewPositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	transactionID, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return transactionID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustReserve(test *testing.T, service *Service, userID string, amount int64, key string) WalletTransaction {
	test.Helper()
	result, err := service.Reserve(context.Background(), ReserveRequest{
		UserID:         mustUserID(test, userID),
		Amount:         mustPositiveAmount(test, amount),
		IdempotencyKey: mustIdempotencyKey(test, key),
		Reason:         "booking payment",
		ReferenceID:    "booking-1",
		Metadata:       mustMetadata(test, "{}"),
	})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	return result.Transaction
}
