package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/internal/config"
	"github.com/MarkoPoloResearchLab/ridepay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"go.uber.org/zap"
)

const driverAccountStatusActive = "active"

type creditInput struct {
	UserID         string
	Amount         int64
	IdempotencyKey string
	Reason         string
}

type driverAccountInput struct {
	DriverID  string
	AccountID string
	Email     string
}

func runMigrate(ctx context.Context, database config.Database) error {
	gormDB, cleanup, _, err := openDatabase(ctx, database.URL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func runCredit(ctx context.Context, out io.Writer, database config.Database, input creditInput) error {
	userID, err := ledger.NewUserID(input.UserID)
	if err != nil {
		return err
	}
	amount, err := ledger.NewPositiveAmount(input.Amount)
	if err != nil {
		return err
	}
	key, err := ledger.NewIdempotencyKey(input.IdempotencyKey)
	if err != nil {
		return err
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, database.URL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}
	wallets, closeLedger, err := newWalletLedger(ctx, database, gormDB, zap.NewNop())
	if err != nil {
		return err
	}
	defer closeLedger()

	transaction, err := wallets.Credit(ctx, ledger.CreditRequest{UserID: userID, Amount: amount, IdempotencyKey: key, Reason: input.Reason})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "credited %d %s to %s (transaction %s)\n", transaction.Amount.Int64(), wallets.Currency().String(), userID.String(), transaction.ID)
	return err
}

func runDriverAccount(ctx context.Context, out io.Writer, database config.Database, input driverAccountInput) error {
	if input.DriverID == "" || input.AccountID == "" {
		return fmt.Errorf("%s and %s are required", flagDriverID, flagAccountID)
	}
	gormDB, cleanup, driver, err := openDatabase(ctx, database.URL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}
	saveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store := gormstore.New(gormDB)
	if err := store.SaveDriverAccount(saveCtx, ledger.DriverAccount{
		DriverID:  input.DriverID,
		AccountID: input.AccountID,
		Email:     input.Email,
		Status:    driverAccountStatusActive,
	}); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "driver %s pays out to %s\n", input.DriverID, input.AccountID)
	return err
}
