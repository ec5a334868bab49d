package bookingdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"itinero/internal/booking"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

var sagaColumns = []string{
	"saga_id", "idempotency_key", "user_id", "listing_id", "listing_type",
	"starts_at", "ends_at", "amount", "currency", "instrument", "state",
	"reason_code", "version", "created_at", "updated_at",
}

func sagaRow(inst booking.Instance) *sqlmock.Rows {
	return sqlmock.NewRows(sagaColumns).AddRow(
		inst.SagaID, inst.IdempotencyKey, inst.UserID, inst.ListingID, string(inst.ListingType),
		inst.StartsAt, inst.EndsAt, inst.Amount, inst.Currency, inst.Instrument, string(inst.State),
		inst.ReasonCode, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
}

func testInstance() booking.Instance {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	return booking.Instance{
		SagaID:         "saga-1",
		IdempotencyKey: "idem-1",
		UserID:         "user-1",
		ListingID:      "flight-LH123",
		ListingType:    booking.ListingFlight,
		StartsAt:       now,
		EndsAt:         now.Add(4 * time.Hour),
		Amount:         249.99,
		Currency:       "EUR",
		Instrument:     "card-tok-1",
		State:          booking.StateStarted,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSagaStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS booking_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS booking_saga_steps").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewSagaStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestSagaStore_Create_New(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	inst := testInstance()
	mock.ExpectExec("INSERT INTO booking_sagas").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT saga_id, idempotency_key").
		WithArgs("idem-1").
		WillReturnRows(sagaRow(inst))
	mock.ExpectClose()

	store := NewSagaStore(db)
	stored, created, err := store.Create(context.Background(), inst)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatalf("expected created saga")
	}
	if stored.SagaID != "saga-1" || stored.State != booking.StateStarted {
		t.Fatalf("unexpected instance: %+v", stored)
	}
}

func TestSagaStore_Create_Replay(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	existing := testInstance()
	existing.SagaID = "saga-prior"
	existing.State = booking.StateCompleted

	replay := testInstance()
	replay.SagaID = "saga-new"

	mock.ExpectExec("INSERT INTO booking_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT saga_id, idempotency_key").
		WithArgs("idem-1").
		WillReturnRows(sagaRow(existing))
	mock.ExpectClose()

	store := NewSagaStore(db)
	stored, created, err := store.Create(context.Background(), replay)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created {
		t.Fatalf("replay must not be reported as created")
	}
	if stored.SagaID != "saga-prior" {
		t.Fatalf("expected the prior saga, got %s", stored.SagaID)
	}
}

func TestSagaStore_Create_IdempotencyConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	existing := testInstance()
	existing.Amount = 999.99

	mock.ExpectExec("INSERT INTO booking_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT saga_id, idempotency_key").
		WithArgs("idem-1").
		WillReturnRows(sagaRow(existing))
	mock.ExpectClose()

	store := NewSagaStore(db)
	_, _, err := store.Create(context.Background(), testInstance())
	if !errors.Is(err, booking.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestSagaStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT saga_id, idempotency_key").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectClose()

	store := NewSagaStore(db)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, booking.ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestSagaStore_Transition(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE booking_sagas").
		WithArgs("saga-1", "STARTED", "RESERVING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE booking_sagas").
		WithArgs("saga-1", "STARTED", "RESERVING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewSagaStore(db)
	ok, err := store.Transition(context.Background(), "saga-1", booking.StateStarted, booking.StateReserving)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}

	// Losing the CAS race reports false without error.
	ok, err = store.Transition(context.Background(), "saga-1", booking.StateStarted, booking.StateReserving)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Fatalf("expected lost CAS")
	}
}

func TestSagaStore_BeginStep_CountsAttempts(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("INSERT INTO booking_saga_steps").
		WithArgs("saga-1", "reserve", "pending").
		WillReturnRows(sqlmock.NewRows([]string{"attempt_count"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO booking_saga_steps").
		WithArgs("saga-1", "reserve", "pending").
		WillReturnRows(sqlmock.NewRows([]string{"attempt_count"}).AddRow(2))
	mock.ExpectClose()

	store := NewSagaStore(db)
	attempts, err := store.BeginStep(context.Background(), "saga-1", booking.StepReserve)
	if err != nil || attempts != 1 {
		t.Fatalf("first attempt: n=%d err=%v", attempts, err)
	}
	attempts, err = store.BeginStep(context.Background(), "saga-1", booking.StepReserve)
	if err != nil || attempts != 2 {
		t.Fatalf("second attempt: n=%d err=%v", attempts, err)
	}
}

func TestSagaStore_FinishStep_MissingRecord(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE booking_saga_steps").
		WithArgs("saga-1", "reserve", "succeeded", "hold-1", "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewSagaStore(db)
	err := store.FinishStep(context.Background(), "saga-1", booking.StepReserve, booking.StepSucceeded, "hold-1", "")
	if err == nil {
		t.Fatalf("expected error for missing step record")
	}
}

func TestSagaStore_ListNonTerminal(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	a := testInstance()
	b := testInstance()
	b.SagaID = "saga-2"
	b.IdempotencyKey = "idem-2"
	b.State = booking.StateCompensating

	rows := sagaRow(a)
	rows.AddRow(
		b.SagaID, b.IdempotencyKey, b.UserID, b.ListingID, string(b.ListingType),
		b.StartsAt, b.EndsAt, b.Amount, b.Currency, b.Instrument, string(b.State),
		b.ReasonCode, b.Version, b.CreatedAt, b.UpdatedAt,
	)

	mock.ExpectQuery("SELECT saga_id, idempotency_key").
		WillReturnRows(rows)
	mock.ExpectClose()

	store := NewSagaStore(db)
	insts, err := store.ListNonTerminal(context.Background())
	if err != nil {
		t.Fatalf("ListNonTerminal: %v", err)
	}
	if len(insts) != 2 {
		t.Fatalf("expected 2 sagas, got %d", len(insts))
	}
	if insts[1].State != booking.StateCompensating {
		t.Fatalf("unexpected state: %s", insts[1].State)
	}
}
