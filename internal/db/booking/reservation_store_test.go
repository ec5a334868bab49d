package bookingdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"itinero/internal/booking"
)

func newTestReservationStore(db *sql.DB) *ReservationStore {
	store := NewReservationStore(db)
	store.newToken = func() string { return "hold-1" }
	return store
}

func TestReservationStore_Reserve_New(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	starts := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	ends := starts.Add(4 * time.Hour)

	mock.ExpectQuery("SELECT hold_token, status, expires_at").
		WithArgs("saga-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE listing_holds").
		WithArgs("hotel-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO listing_holds").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := newTestReservationStore(db)
	hold, err := store.Reserve(context.Background(), "saga-1", "hotel-1", starts, ends, 15*time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if hold.Token != "hold-1" || hold.Status != booking.HoldHeld {
		t.Fatalf("unexpected hold: %+v", hold)
	}
}

func TestReservationStore_Reserve_Conflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	starts := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	ends := starts.Add(4 * time.Hour)

	mock.ExpectQuery("SELECT hold_token, status, expires_at").
		WithArgs("saga-2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE listing_holds").
		WithArgs("hotel-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The conditional insert finds an active overlapping hold.
	mock.ExpectExec("INSERT INTO listing_holds").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := newTestReservationStore(db)
	_, err := store.Reserve(context.Background(), "saga-2", "hotel-1", starts, ends, 15*time.Minute)
	if !errors.Is(err, booking.ErrInventoryConflict) {
		t.Fatalf("expected ErrInventoryConflict, got %v", err)
	}
}

func TestReservationStore_Reserve_IdempotentResume(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	expires := time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT hold_token, status, expires_at").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{"hold_token", "status", "expires_at"}).
			AddRow("hold-prior", "held", expires))
	mock.ExpectClose()

	store := newTestReservationStore(db)
	hold, err := store.Reserve(context.Background(), "saga-1", "hotel-1", expires, expires.Add(time.Hour), 15*time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if hold.Token != "hold-prior" {
		t.Fatalf("expected the prior hold, got %s", hold.Token)
	}
}

func TestReservationStore_Reserve_RaceTripsExclusionConstraint(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	starts := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	ends := starts.Add(4 * time.Hour)

	mock.ExpectQuery("SELECT hold_token, status, expires_at").
		WithArgs("saga-2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE listing_holds").
		WithArgs("hotel-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// A concurrent reserve committed after this statement's snapshot; the
	// insert passes the NOT EXISTS guard but violates the constraint.
	mock.ExpectExec("INSERT INTO listing_holds").
		WillReturnError(&pgconn.PgError{Code: "23P01", ConstraintName: "listing_holds_no_overlap"})
	mock.ExpectClose()

	store := newTestReservationStore(db)
	_, err := store.Reserve(context.Background(), "saga-2", "hotel-1", starts, ends, 15*time.Minute)
	if !errors.Is(err, booking.ErrInventoryConflict) {
		t.Fatalf("expected ErrInventoryConflict, got %v", err)
	}
}

func TestReservationStore_Consume(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE listing_holds").
		WithArgs("hold-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := newTestReservationStore(db)
	if err := store.Consume(context.Background(), "hold-1"); err != nil {
		t.Fatalf("Consume: %v", err)
	}
}

func TestReservationStore_Consume_AlreadyConsumed(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE listing_holds").
		WithArgs("hold-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM listing_holds").
		WithArgs("hold-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("consumed"))
	mock.ExpectClose()

	store := newTestReservationStore(db)
	if err := store.Consume(context.Background(), "hold-1"); err != nil {
		t.Fatalf("re-consume must be a no-op, got %v", err)
	}
}

func TestReservationStore_Consume_Expired(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE listing_holds").
		WithArgs("hold-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM listing_holds").
		WithArgs("hold-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("released"))
	mock.ExpectClose()

	store := newTestReservationStore(db)
	if err := store.Consume(context.Background(), "hold-1"); !errors.Is(err, booking.ErrInventoryConflict) {
		t.Fatalf("expected ErrInventoryConflict, got %v", err)
	}
}

func TestReservationStore_Release_Idempotent(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	// Releasing an unknown hold is a no-op success.
	mock.ExpectExec("UPDATE listing_holds").
		WithArgs("hold-gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM listing_holds").
		WithArgs("hold-gone").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectClose()

	store := newTestReservationStore(db)
	if err := store.Release(context.Background(), "hold-gone"); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestReservationStore_Release_ConsumedFails(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE listing_holds").
		WithArgs("hold-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM listing_holds").
		WithArgs("hold-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("consumed"))
	mock.ExpectClose()

	store := newTestReservationStore(db)
	if err := store.Release(context.Background(), "hold-1"); err == nil {
		t.Fatalf("expected error releasing a consumed hold")
	}
}

func TestReservationStore_SweepExpired(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE listing_holds").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectClose()

	store := newTestReservationStore(db)
	released, err := store.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if released != 3 {
		t.Fatalf("expected 3 released holds, got %d", released)
	}
}
