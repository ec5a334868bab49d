package bookingdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"itinero/internal/booking"
)

// ReservationStore places time-boxed holds on listing inventory in Postgres.
// An exclusion constraint on (listing_id, time range) is the sole arbiter of
// concurrent access: no in-process lock is held, so correctness survives
// multiple orchestrator replicas.
type ReservationStore struct {
	db       *sql.DB
	newToken func() string
}

// NewReservationStore constructs a ReservationStore backed by Postgres.
func NewReservationStore(db *sql.DB) *ReservationStore {
	return &ReservationStore{db: db, newToken: uuid.NewString}
}

// NewReservationStoreWithSchema initializes the schema then returns the store.
func NewReservationStoreWithSchema(ctx context.Context, db *sql.DB) (*ReservationStore, error) {
	store := NewReservationStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the holds table if it does not exist. The exclusion
// constraint is what makes concurrent reserves safe: two inserts for
// overlapping ranges on the same listing cannot both commit.
func (r *ReservationStore) InitSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS btree_gist`); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listing_holds (
			id BIGSERIAL PRIMARY KEY,
			hold_token TEXT UNIQUE NOT NULL,
			saga_id TEXT NOT NULL,
			listing_id TEXT NOT NULL,
			starts_at TIMESTAMPTZ NOT NULL,
			ends_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT listing_holds_no_overlap EXCLUDE USING gist (
				listing_id WITH =,
				tstzrange(starts_at, ends_at) WITH &&
			) WHERE (status IN ('held', 'consumed'))
		)
	`)
	return err
}

// Reserve attempts the conditional hold: the insert succeeds only when no
// overlapping hold or consumption is active for the listing. Zero rows
// affected means the inventory is taken; so does an exclusion violation,
// which catches the racing reserve the statement snapshot cannot see.
func (r *ReservationStore) Reserve(ctx context.Context, sagaID, listingID string, startsAt, endsAt time.Time, ttl time.Duration) (booking.Hold, error) {
	// Idempotent re-reserve for a resumed saga.
	if hold, ok, err := r.LookupHold(ctx, sagaID); err != nil {
		return booking.Hold{}, err
	} else if ok && hold.Status != booking.HoldReleased {
		return hold, nil
	}

	token := r.newToken()
	expiresAt := time.Now().UTC().Add(ttl)

	// The exclusion constraint covers unswept expired holds too, so demote
	// them first or a dead hold would block the slot.
	if _, err := r.db.ExecContext(ctx, `
		UPDATE listing_holds
		SET status = 'released'
		WHERE listing_id = $1 AND status = 'held' AND expires_at <= NOW()`,
		listingID,
	); err != nil {
		return booking.Hold{}, err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO listing_holds (hold_token, saga_id, listing_id, starts_at, ends_at, status, expires_at)
		SELECT $1, $2, $3, $4, $5, 'held', $6
		WHERE NOT EXISTS (
			SELECT 1 FROM listing_holds
			WHERE listing_id = $3
			AND starts_at < $5 AND ends_at > $4
			AND status IN ('held', 'consumed')
		)`,
		token, sagaID, listingID, startsAt, endsAt, expiresAt,
	)
	if err != nil {
		// A racing reserve that commits between this statement's snapshot
		// and its insert trips the exclusion constraint instead of the
		// NOT EXISTS guard.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
			return booking.Hold{}, booking.ErrInventoryConflict
		}
		return booking.Hold{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return booking.Hold{}, err
	}
	if affected == 0 {
		return booking.Hold{}, booking.ErrInventoryConflict
	}

	return booking.Hold{Token: token, Status: booking.HoldHeld, ExpiresAt: expiresAt}, nil
}

// Consume converts a live hold to consumed. Consuming an already consumed
// hold is a no-op; consuming an expired or released one fails, because the
// inventory is no longer secured.
func (r *ReservationStore) Consume(ctx context.Context, holdToken string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE listing_holds
		SET status = 'consumed'
		WHERE hold_token = $1 AND status = 'held' AND expires_at > NOW()`,
		holdToken,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	row := r.db.QueryRowContext(ctx, `SELECT status FROM listing_holds WHERE hold_token = $1`, holdToken)
	switch scanErr := row.Scan(&status); {
	case scanErr == nil:
		if status == "consumed" {
			return nil
		}
		return fmt.Errorf("%w: hold no longer active", booking.ErrInventoryConflict)
	case errors.Is(scanErr, sql.ErrNoRows):
		return fmt.Errorf("unknown hold token %q", holdToken)
	default:
		return scanErr
	}
}

// Release frees a hold. Releasing an already released, expired, or unknown
// hold is a no-op success so compensation is safe to retry; a consumed hold
// cannot be released.
func (r *ReservationStore) Release(ctx context.Context, holdToken string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE listing_holds
		SET status = 'released'
		WHERE hold_token = $1 AND status = 'held'`,
		holdToken,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	row := r.db.QueryRowContext(ctx, `SELECT status FROM listing_holds WHERE hold_token = $1`, holdToken)
	switch scanErr := row.Scan(&status); {
	case scanErr == nil:
		if status == "consumed" {
			return fmt.Errorf("hold %q already consumed", holdToken)
		}
		return nil
	case errors.Is(scanErr, sql.ErrNoRows):
		return nil
	default:
		return scanErr
	}
}

// LookupHold reconciles by saga id: returns the latest hold the saga placed.
func (r *ReservationStore) LookupHold(ctx context.Context, sagaID string) (booking.Hold, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT hold_token, status, expires_at
		FROM listing_holds
		WHERE saga_id = $1
		ORDER BY id DESC
		LIMIT 1`,
		sagaID,
	)

	var hold booking.Hold
	switch err := row.Scan(&hold.Token, &hold.Status, &hold.ExpiresAt); {
	case err == nil:
		return hold, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return booking.Hold{}, false, nil
	default:
		return booking.Hold{}, false, err
	}
}

// SweepExpired releases holds whose TTL elapsed without a consume. Run on a
// ticker; this is what prevents orphaned inventory locks from crashed sagas.
func (r *ReservationStore) SweepExpired(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE listing_holds
		SET status = 'released'
		WHERE status = 'held' AND expires_at <= NOW()`,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
