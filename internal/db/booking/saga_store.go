package bookingdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"itinero/internal/booking"
)

// SagaStore persists saga instances and their step records in Postgres.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS booking_sagas (
			saga_id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE NOT NULL,
			user_id TEXT NOT NULL,
			listing_id TEXT NOT NULL,
			listing_type TEXT NOT NULL,
			starts_at TIMESTAMPTZ NOT NULL,
			ends_at TIMESTAMPTZ NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			currency TEXT NOT NULL,
			instrument TEXT NOT NULL,
			state TEXT NOT NULL,
			reason_code TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS booking_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 1,
			last_error TEXT NOT NULL DEFAULT '',
			external_ref TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (saga_id, step),
			FOREIGN KEY (saga_id) REFERENCES booking_sagas(saga_id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Create inserts a new saga or returns the existing one for the idempotency
// key. The insert-if-absent is the atomic arbiter of "has this request
// already been handled".
func (s *SagaStore) Create(ctx context.Context, inst booking.Instance) (booking.Instance, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO booking_sagas (saga_id, idempotency_key, user_id, listing_id, listing_type,
			starts_at, ends_at, amount, currency, instrument, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		inst.SagaID, inst.IdempotencyKey, inst.UserID, inst.ListingID, string(inst.ListingType),
		inst.StartsAt, inst.EndsAt, inst.Amount, inst.Currency, inst.Instrument, string(inst.State),
	)
	if err != nil {
		return booking.Instance{}, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return booking.Instance{}, false, err
	}

	stored, err := s.getWhere(ctx, "idempotency_key = $1", inst.IdempotencyKey)
	if err != nil {
		if errors.Is(err, booking.ErrSagaNotFound) {
			return booking.Instance{}, false, fmt.Errorf("saga not found after insert")
		}
		return booking.Instance{}, false, err
	}

	if stored.UserID != inst.UserID || stored.ListingID != inst.ListingID || stored.Amount != inst.Amount {
		return booking.Instance{}, false, booking.ErrIdempotencyConflict
	}

	return stored, affected == 1, nil
}

// Get returns the saga by id.
func (s *SagaStore) Get(ctx context.Context, sagaID string) (booking.Instance, error) {
	return s.getWhere(ctx, "saga_id = $1", sagaID)
}

func (s *SagaStore) getWhere(ctx context.Context, where, arg string) (booking.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT saga_id, idempotency_key, user_id, listing_id, listing_type,
			starts_at, ends_at, amount, currency, instrument, state, reason_code,
			version, created_at, updated_at
		FROM booking_sagas
		WHERE `+where,
		arg,
	)

	var (
		inst               booking.Instance
		listingType, state string
	)
	err := row.Scan(&inst.SagaID, &inst.IdempotencyKey, &inst.UserID, &inst.ListingID, &listingType,
		&inst.StartsAt, &inst.EndsAt, &inst.Amount, &inst.Currency, &inst.Instrument, &state, &inst.ReasonCode,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return booking.Instance{}, booking.ErrSagaNotFound
		}
		return booking.Instance{}, err
	}
	inst.ListingType = booking.ListingType(listingType)
	inst.State = booking.State(state)
	return inst, nil
}

// Transition performs the optimistic state change: it succeeds only when the
// saga is still in the expected state, bumping the version counter.
func (s *SagaStore) Transition(ctx context.Context, sagaID string, from, to booking.State) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE booking_sagas
		SET state = $3, version = version + 1, updated_at = NOW()
		WHERE saga_id = $1 AND state = $2`,
		sagaID, string(from), string(to),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SetReason records the failure reason code reported to callers.
func (s *SagaStore) SetReason(ctx context.Context, sagaID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE booking_sagas
		SET reason_code = $2, updated_at = NOW()
		WHERE saga_id = $1`,
		sagaID, reason,
	)
	return err
}

// ListNonTerminal returns sagas that still need driving, oldest first.
func (s *SagaStore) ListNonTerminal(ctx context.Context) ([]booking.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id, idempotency_key, user_id, listing_id, listing_type,
			starts_at, ends_at, amount, currency, instrument, state, reason_code,
			version, created_at, updated_at
		FROM booking_sagas
		WHERE state NOT IN ('COMPLETED', 'FAILED', 'COMPENSATION_FAILED')
		ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.Instance
	for rows.Next() {
		var (
			inst               booking.Instance
			listingType, state string
		)
		if err := rows.Scan(&inst.SagaID, &inst.IdempotencyKey, &inst.UserID, &inst.ListingID, &listingType,
			&inst.StartsAt, &inst.EndsAt, &inst.Amount, &inst.Currency, &inst.Instrument, &state, &inst.ReasonCode,
			&inst.Version, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		inst.ListingType = booking.ListingType(listingType)
		inst.State = booking.State(state)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// BeginStep writes the intent record for a step attempt: first attempt
// inserts a pending row, retries bump the attempt counter.
func (s *SagaStore) BeginStep(ctx context.Context, sagaID string, step booking.Step) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO booking_saga_steps (saga_id, step, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (saga_id, step) DO UPDATE
		SET status = EXCLUDED.status,
			attempt_count = booking_saga_steps.attempt_count + 1,
			updated_at = NOW()
		RETURNING attempt_count`,
		sagaID, string(step), string(booking.StepPending),
	)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, nil
}

// FinishStep records the outcome of a step or compensation attempt.
func (s *SagaStore) FinishStep(ctx context.Context, sagaID string, step booking.Step, status booking.StepStatus, externalRef, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE booking_saga_steps
		SET status = $3, external_ref = $4, last_error = $5, updated_at = NOW()
		WHERE saga_id = $1 AND step = $2`,
		sagaID, string(step), string(status), externalRef, lastError,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("no step record for saga %s step %s", sagaID, step)
	}
	return nil
}

// Steps returns the step history in execution order.
func (s *SagaStore) Steps(ctx context.Context, sagaID string) ([]booking.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id, step, status, attempt_count, last_error, external_ref, updated_at
		FROM booking_saga_steps
		WHERE saga_id = $1
		ORDER BY id`,
		sagaID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.StepRecord
	for rows.Next() {
		var (
			rec          booking.StepRecord
			step, status string
		)
		if err := rows.Scan(&rec.SagaID, &step, &status, &rec.Attempts, &rec.LastError, &rec.ExternalRef, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Step = booking.Step(step)
		rec.Status = booking.StepStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
