package booking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State captures where a booking saga currently is in its lifecycle.
type State string

const (
	StateStarted            State = "STARTED"
	StateReserving          State = "RESERVING"
	StateReserved           State = "RESERVED"
	StateAuthorizing        State = "AUTHORIZING"
	StateAuthorized         State = "AUTHORIZED"
	StateCapturing          State = "CAPTURING"
	StateCaptured           State = "CAPTURED"
	StateBilling            State = "BILLING"
	StateBilled             State = "BILLED"
	StateConfirming         State = "CONFIRMING"
	StateCompleted          State = "COMPLETED"
	StateCompensating       State = "COMPENSATING"
	StateFailed             State = "FAILED"
	StateCompensationFailed State = "COMPENSATION_FAILED"
)

// Terminal reports whether the saga can no longer make progress.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCompensationFailed:
		return true
	}
	return false
}

// Cancellable reports whether an operator cancel is still allowed.
func (s State) Cancellable() bool {
	return !s.Terminal() && s != StateCompensating
}

// ListingType identifies the kind of inventory being booked.
type ListingType string

const (
	ListingFlight ListingType = "flight"
	ListingHotel  ListingType = "hotel"
	ListingCar    ListingType = "car"
)

func (t ListingType) valid() bool {
	switch t {
	case ListingFlight, ListingHotel, ListingCar:
		return true
	}
	return false
}

// Step names one forward action of the saga.
type Step string

const (
	StepReserve   Step = "reserve"
	StepAuthorize Step = "authorize"
	StepCapture   Step = "capture"
	StepBill      Step = "bill"
	StepConfirm   Step = "confirm"
)

// StepStatus is the recorded outcome of a step attempt.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Instance is one persisted saga execution.
type Instance struct {
	SagaID         string
	IdempotencyKey string
	UserID         string
	ListingID      string
	ListingType    ListingType
	StartsAt       time.Time
	EndsAt         time.Time
	Amount         float64
	Currency       string
	Instrument     string
	State          State
	ReasonCode     string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StepRecord is the intent log entry for one saga step.
// It is written before the downstream call and finalized after,
// so a crash mid-step can be resumed or reconciled.
type StepRecord struct {
	SagaID      string
	Step        Step
	Status      StepStatus
	Attempts    int
	LastError   string
	ExternalRef string
	UpdatedAt   time.Time
}

// Request is the priced booking request handed to Start.
type Request struct {
	IdempotencyKey string
	UserID         string
	ListingID      string
	ListingType    ListingType
	StartsAt       time.Time
	EndsAt         time.Time
	Amount         float64
	Currency       string
	Instrument     string
}

// Validate rejects requests that must produce no side effects.
func (r Request) Validate() error {
	switch {
	case r.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key required", ErrValidation)
	case r.UserID == "":
		return fmt.Errorf("%w: user id required", ErrValidation)
	case r.ListingID == "":
		return fmt.Errorf("%w: listing id required", ErrValidation)
	case !r.ListingType.valid():
		return fmt.Errorf("%w: unknown listing type %q", ErrValidation, r.ListingType)
	case !r.EndsAt.After(r.StartsAt):
		return fmt.Errorf("%w: time range must be non-empty", ErrValidation)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	case r.Currency == "":
		return fmt.Errorf("%w: currency required", ErrValidation)
	case r.Instrument == "":
		return fmt.Errorf("%w: payment instrument required", ErrValidation)
	}
	return nil
}

// Result is the definitive outcome reported to the caller.
type Result struct {
	SagaID        string
	State         State
	BookingID     string
	InvoiceNumber string
	ReasonCode    string
}

// Error taxonomy. Business failures are recovered locally via compensation
// and surface as structured results; only ErrCompensationFailed is an
// operator-level alert.
var (
	ErrValidation          = errors.New("invalid booking request")
	ErrInventoryConflict   = errors.New("listing unavailable for requested range")
	ErrPaymentDeclined     = errors.New("payment declined")
	ErrPaymentUnavailable  = errors.New("payment capability unavailable")
	ErrDownstreamTimeout   = errors.New("downstream call timed out")
	ErrCompensationFailed  = errors.New("compensation failed, operator action required")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	ErrCancelNotAllowed    = errors.New("saga cannot be cancelled in its current state")
	ErrSagaNotFound        = errors.New("saga not found")
)

// ReasonCode maps a step failure to the stable code reported to callers
// and published on booking.failed events.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInventoryConflict):
		return "inventory_conflict"
	case errors.Is(err, ErrPaymentDeclined):
		return "payment_declined"
	case errors.Is(err, ErrPaymentUnavailable):
		return "payment_unavailable"
	case errors.Is(err, ErrDownstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return "downstream_timeout"
	case errors.Is(err, ErrCompensationFailed):
		return "compensation_failed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "internal_error"
}

// retryable reports whether a step error is worth another attempt.
// Business outcomes are final; only infrastructure trouble is retried.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInventoryConflict),
		errors.Is(err, ErrPaymentDeclined),
		errors.Is(err, ErrPaymentUnavailable),
		errors.Is(err, ErrIdempotencyConflict):
		return false
	}
	return true
}

// SagaStore persists saga instances and their step records.
// Create must be atomic insert-if-absent on the idempotency key.
type SagaStore interface {
	Create(ctx context.Context, inst Instance) (Instance, bool, error)
	Get(ctx context.Context, sagaID string) (Instance, error)
	Transition(ctx context.Context, sagaID string, from, to State) (bool, error)
	SetReason(ctx context.Context, sagaID, reason string) error
	ListNonTerminal(ctx context.Context) ([]Instance, error)
	BeginStep(ctx context.Context, sagaID string, step Step) (int, error)
	FinishStep(ctx context.Context, sagaID string, step Step, status StepStatus, externalRef, lastError string) error
	Steps(ctx context.Context, sagaID string) ([]StepRecord, error)
}

// OutcomeCache fronts the saga table for replayed idempotency keys,
// so retried clients get their terminal outcome without re-execution.
type OutcomeCache interface {
	Get(ctx context.Context, key string) (Result, bool, error)
	Put(ctx context.Context, key string, res Result) error
}
