package booking

import (
	"context"
	"time"
)

// Hold is a time-boxed claim on listing inventory.
type Hold struct {
	Token     string
	Status    string
	ExpiresAt time.Time
}

// Hold statuses as reported by the reservation manager.
const (
	HoldHeld     = "held"
	HoldReleased = "released"
	HoldConsumed = "consumed"
)

// ReservationClient places and settles inventory holds. Reserve is a
// conditional write: it fails with ErrInventoryConflict when an overlapping
// hold or consumption already exists. Release must be idempotent; releasing
// an already released or expired hold is a no-op success.
type ReservationClient interface {
	Reserve(ctx context.Context, sagaID, listingID string, startsAt, endsAt time.Time, ttl time.Duration) (Hold, error)
	Consume(ctx context.Context, holdToken string) error
	Release(ctx context.Context, holdToken string) error

	// LookupHold reconciles an ambiguous reserve: it reports whether a hold
	// exists for the saga id used as correlation key.
	LookupHold(ctx context.Context, sagaID string) (Hold, bool, error)
}

// PaymentClient drives the opaque authorize/capture/void/refund capability.
// Every mutating call carries a client-generated idempotency key echoed to
// the capability, so retries have exactly-once effect.
type PaymentClient interface {
	Authorize(ctx context.Context, amount float64, currency, instrument, idemKey string) (authID string, err error)
	Capture(ctx context.Context, authID, idemKey string) (captureID string, err error)
	Void(ctx context.Context, authID string) error
	Refund(ctx context.Context, captureID string, amount float64) error

	// LookupAuthorization and LookupCapture reconcile ambiguous calls by the
	// idempotency key that would have been sent.
	LookupAuthorization(ctx context.Context, idemKey string) (authID string, ok bool, err error)
	LookupCapture(ctx context.Context, idemKey string) (captureID string, ok bool, err error)
}

// BillingClient writes the immutable billing ledger. WriteBill is idempotent
// per saga: re-invoking it returns the invoice number already issued.
type BillingClient interface {
	WriteBill(ctx context.Context, sagaID string, amount float64, currency string) (invoiceNumber string, err error)
	VoidBill(ctx context.Context, invoiceNumber string) error
	LookupBill(ctx context.Context, sagaID string) (invoiceNumber string, ok bool, err error)
}

// ReservationSweeper releases expired holds. The background sweep is what
// prevents orphaned inventory locks from a crashed saga.
type ReservationSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// paymentKey derives the idempotency key echoed to the payment capability
// for a given saga step. Deterministic, so a resumed saga reuses it.
func paymentKey(sagaID string, step Step) string {
	return sagaID + ":" + string(step)
}

// bookingID derives the confirmation id for a completed saga.
// Deterministic, so reconciliation after a crash regenerates the same id.
func bookingID(sagaID string) string {
	return "bk-" + sagaID
}
