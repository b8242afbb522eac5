package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (store *Store) FindCheckoutByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.CheckoutTransaction, error) {
	return store.takeCheckout(ctx, "idempotency_key = ?", key.String())
}

func (store *Store) FindCheckoutByTransactionID(ctx context.Context, transactionID ledger.TransactionID) (ledger.CheckoutTransaction, error) {
	return store.takeCheckout(ctx, "transaction_id = ?", transactionID.String())
}

func (store *Store) CreateCheckout(ctx context.Context, checkout ledger.CheckoutTransaction) (ledger.CheckoutTransaction, error) {
	model := CheckoutTransaction{
		CheckoutID:      checkout.ID,
		TransactionID:   checkout.TransactionID,
		BookingID:       checkout.BookingID,
		UserID:          checkout.UserID,
		DriverID:        checkout.DriverID,
		Amount:          checkout.Amount.Int64(),
		PaymentMethod:   string(checkout.PaymentMethod),
		Status:          string(ledger.CheckoutStatusPending),
		AdminShare:      checkout.AdminShare.Int64(),
		DriverShare:     checkout.DriverShare.Int64(),
		StripeSessionID: checkout.StripeSessionID,
		IdempotencyKey:  checkout.IdempotencyKey,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintCheckoutIdempotencyKey) {
		return ledger.CheckoutTransaction{}, wrapStoreError(errorSubjectCheckout, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.CheckoutTransaction{}, wrapStoreError(errorSubjectCheckout, errorCodeInsert, err)
	}
	created, err := mapCheckout(model)
	if err != nil {
		return ledger.CheckoutTransaction{}, wrapStoreError(errorSubjectCheckout, errorCodeInvalid, err)
	}
	return created, nil
}

// ResetCheckout reopens a failed checkout with fresh amounts.
func (store *Store) ResetCheckout(ctx context.Context, checkoutID string, amount ledger.Amount, adminShare ledger.Amount, driverShare ledger.Amount) error {
	return store.transitionCheckout(ctx, checkoutID, ledger.CheckoutStatusFailed, map[string]interface{}{
		"status":            string(ledger.CheckoutStatusPending),
		"amount":            amount.Int64(),
		"admin_share":       adminShare.Int64(),
		"driver_share":      driverShare.Int64(),
		"stripe_session_id": "",
		"failure_reason":    "",
	})
}

func (store *Store) AttachCheckoutSession(ctx context.Context, checkoutID string, sessionID string) error {
	return store.transitionCheckout(ctx, checkoutID, ledger.CheckoutStatusPending, map[string]interface{}{
		"stripe_session_id": sessionID,
	})
}

// CompleteCheckout moves a pending checkout to completed. The boolean reports whether this call made the
// transition; an already completed checkout returns false with no error.
func (store *Store) CompleteCheckout(ctx context.Context, checkoutID string) (ledger.CheckoutTransaction, bool, error) {
	err := store.transitionCheckout(ctx, checkoutID, ledger.CheckoutStatusPending, map[string]interface{}{
		"status": string(ledger.CheckoutStatusCompleted),
	})
	transitioned := err == nil
	if err != nil && !errors.Is(err, ledger.ErrTransactionClosed) {
		return ledger.CheckoutTransaction{}, false, err
	}
	checkout, lookupErr := store.takeCheckout(ctx, "checkout_id = ?", checkoutID)
	if lookupErr != nil {
		return ledger.CheckoutTransaction{}, false, lookupErr
	}
	if !transitioned && checkout.Status != ledger.CheckoutStatusCompleted {
		return checkout, false, err
	}
	return checkout, transitioned, nil
}

func (store *Store) FailCheckout(ctx context.Context, checkoutID string, reason string) error {
	return store.transitionCheckout(ctx, checkoutID, ledger.CheckoutStatusPending, map[string]interface{}{
		"status":         string(ledger.CheckoutStatusFailed),
		"failure_reason": reason,
	})
}

func (store *Store) FindDriverAccount(ctx context.Context, driverID string) (ledger.DriverAccount, error) {
	var model DriverPayoutAccount
	err := store.db.WithContext(ctx).Where("driver_id = ?", driverID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.DriverAccount{}, wrapStoreError(errorSubjectDriverAccount, errorCodeLookup, ledger.ErrUnknownDriverAccount)
		}
		return ledger.DriverAccount{}, wrapStoreError(errorSubjectDriverAccount, errorCodeLookup, err)
	}
	return ledger.DriverAccount{
		DriverID:  model.DriverID,
		AccountID: model.AccountID,
		Email:     model.Email,
		Status:    model.Status,
	}, nil
}

// SaveDriverAccount upserts a driver payout mapping.
func (store *Store) SaveDriverAccount(ctx context.Context, account ledger.DriverAccount) error {
	model := DriverPayoutAccount{
		DriverID:  account.DriverID,
		AccountID: account.AccountID,
		Email:     account.Email,
		Status:    account.Status,
	}
	if model.Status == "" {
		model.Status = "active"
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "driver_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"account_id", "email", "status", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectDriverAccount, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) transitionCheckout(ctx context.Context, checkoutID string, from ledger.CheckoutStatus, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now().UTC()
	result := store.db.WithContext(ctx).
		Model(&CheckoutTransaction{}).
		Where("checkout_id = ? AND status = ?", checkoutID, string(from)).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectCheckout, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&CheckoutTransaction{}).Where("checkout_id = ?", checkoutID).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectCheckout, errorCodeUpdateStatus, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectCheckout, errorCodeUpdateStatus, ledger.ErrUnknownTransaction)
		}
		return wrapStoreError(errorSubjectCheckout, errorCodeUpdateStatus, ledger.ErrTransactionClosed)
	}
	return nil
}

func (store *Store) takeCheckout(ctx context.Context, condition string, value string) (ledger.CheckoutTransaction, error) {
	var model CheckoutTransaction
	err := store.db.WithContext(ctx).Where(condition, value).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.CheckoutTransaction{}, wrapStoreError(errorSubjectCheckout, errorCodeGet, ledger.ErrUnknownTransaction)
		}
		return ledger.CheckoutTransaction{}, wrapStoreError(errorSubjectCheckout, errorCodeGet, err)
	}
	checkout, err := mapCheckout(model)
	if err != nil {
		return ledger.CheckoutTransaction{}, wrapStoreError(errorSubjectCheckout, errorCodeInvalid, err)
	}
	return checkout, nil
}

func mapCheckout(model CheckoutTransaction) (ledger.CheckoutTransaction, error) {
	status, err := ledger.ParseCheckoutStatus(model.Status)
	if err != nil {
		return ledger.CheckoutTransaction{}, err
	}
	return ledger.CheckoutTransaction{
		ID:              model.CheckoutID,
		TransactionID:   model.TransactionID,
		BookingID:       model.BookingID,
		UserID:          model.UserID,
		DriverID:        model.DriverID,
		Amount:          ledger.Amount(model.Amount),
		PaymentMethod:   ledger.PaymentMethod(model.PaymentMethod),
		Status:          status,
		AdminShare:      ledger.Amount(model.AdminShare),
		DriverShare:     ledger.Amount(model.DriverShare),
		StripeSessionID: model.StripeSessionID,
		IdempotencyKey:  model.IdempotencyKey,
		FailureReason:   model.FailureReason,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}, nil
}
