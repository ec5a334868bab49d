package bookingdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// BillingStore writes invoice rows in Postgres. Invoice numbers are derived
// from the sequence-assigned row id inside the insert transaction, so they
// are unique without a separate counter table.
type BillingStore struct {
	db *sql.DB
}

// NewBillingStore constructs a BillingStore backed by Postgres.
func NewBillingStore(db *sql.DB) *BillingStore {
	return &BillingStore{db: db}
}

// NewBillingStoreWithSchema initializes the schema then returns the store.
func NewBillingStoreWithSchema(ctx context.Context, db *sql.DB) (*BillingStore, error) {
	store := NewBillingStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the invoices table if it does not exist.
func (b *BillingStore) InitSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS booking_invoices (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT UNIQUE NOT NULL,
			invoice_number TEXT NOT NULL DEFAULT '',
			amount DOUBLE PRECISION NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// WriteBill creates the invoice for a saga, or returns the existing invoice
// number when the saga already billed. Number assignment happens in the same
// transaction as the insert.
func (b *BillingStore) WriteBill(ctx context.Context, sagaID string, amount float64, currency string) (string, error) {
	if number, ok, err := b.LookupBill(ctx, sagaID); err != nil {
		return "", err
	} else if ok {
		return number, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO booking_invoices (saga_id, amount, currency, status)
		VALUES ($1, $2, $3, 'issued')
		RETURNING id`,
		sagaID, amount, currency,
	).Scan(&id)
	if err != nil {
		return "", err
	}

	number := fmt.Sprintf("INV-%06d", id)
	if _, err := tx.ExecContext(ctx, `
		UPDATE booking_invoices SET invoice_number = $2, updated_at = NOW() WHERE id = $1`,
		id, number,
	); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return number, nil
}

// VoidBill cancels an invoice by number. Voiding twice or voiding a number
// that was never issued is a no-op success so compensation is safe to retry.
func (b *BillingStore) VoidBill(ctx context.Context, invoiceNumber string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE booking_invoices
		SET status = 'voided', updated_at = NOW()
		WHERE invoice_number = $1 AND status = 'issued'`,
		invoiceNumber,
	)
	return err
}

// LookupBill reports whether the saga holds an issued invoice and its number.
func (b *BillingStore) LookupBill(ctx context.Context, sagaID string) (string, bool, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT invoice_number FROM booking_invoices
		WHERE saga_id = $1 AND status = 'issued'`,
		sagaID,
	)

	var number string
	switch err := row.Scan(&number); {
	case err == nil:
		return number, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	default:
		return "", false, err
	}
}
