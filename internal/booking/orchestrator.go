package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"itinero/internal/events"
	"itinero/internal/observability"
)

// stage binds a forward step to the states it moves the saga through.
type stage struct {
	step  Step
	entry State
	done  State
}

// Forward stages in execution order. Each saga walks this list exactly once;
// resumption after a crash picks up at the first stage whose done state has
// not been reached.
var stages = []stage{
	{StepReserve, StateReserving, StateReserved},
	{StepAuthorize, StateAuthorizing, StateAuthorized},
	{StepCapture, StateCapturing, StateCaptured},
	{StepBill, StateBilling, StateBilled},
	{StepConfirm, StateConfirming, StateCompleted},
}

// stateRank orders the states on the forward path.
var stateRank = map[State]int{
	StateStarted:     0,
	StateReserving:   1,
	StateReserved:    2,
	StateAuthorizing: 3,
	StateAuthorized:  4,
	StateCapturing:   5,
	StateCaptured:    6,
	StateBilling:     7,
	StateBilled:      8,
	StateConfirming:  9,
	StateCompleted:   10,
}

func stagePrev(i int) State {
	if i == 0 {
		return StateStarted
	}
	return stages[i-1].done
}

func stageFor(step Step) (stage, bool) {
	for _, st := range stages {
		if st.step == step {
			return st, true
		}
	}
	return stage{}, false
}

// OrchestratorConfig wires an Orchestrator. Store, Reservations, Payments and
// Billing are required; everything else has defaults.
type OrchestratorConfig struct {
	Store        SagaStore
	Reservations ReservationClient
	Payments     PaymentClient
	Billing      BillingClient
	Outcomes     OutcomeCache
	Publisher    events.Publisher
	Metrics      *observability.Metrics

	Retry             RetryPolicy
	CompensationRetry RetryPolicy
	StepTimeout       time.Duration
	HoldTTL           time.Duration
	MaxConcurrent     int

	Logger *slog.Logger
	NewID  func() string
}

// Orchestrator drives booking sagas: reserve, authorize, capture, bill,
// confirm, with LIFO compensation on failure. All saga state lives in the
// SagaStore; the orchestrator holds no cross-saga locks, so multiple
// instances can run behind a load balancer.
type Orchestrator struct {
	store        SagaStore
	reservations ReservationClient
	payments     PaymentClient
	billing      BillingClient
	outcomes     OutcomeCache
	publisher    events.Publisher
	metrics      *observability.Metrics

	retry       RetryPolicy
	stepTimeout time.Duration
	holdTTL     time.Duration

	compensator *Compensator

	workers chan struct{}
	wg      sync.WaitGroup

	logger *slog.Logger
	newID  func() string
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	compRetry := cfg.CompensationRetry
	if compRetry.MaxAttempts == 0 {
		compRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = 5 * time.Second
	}
	holdTTL := cfg.HoldTTL
	if holdTTL <= 0 {
		holdTTL = 15 * time.Minute
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	o := &Orchestrator{
		store:        cfg.Store,
		reservations: cfg.Reservations,
		payments:     cfg.Payments,
		billing:      cfg.Billing,
		outcomes:     cfg.Outcomes,
		publisher:    cfg.Publisher,
		metrics:      cfg.Metrics,
		retry:        retry,
		stepTimeout:  stepTimeout,
		holdTTL:      holdTTL,
		workers:      make(chan struct{}, maxConcurrent),
		logger:       logger,
		newID:        newID,
	}
	o.compensator = &Compensator{
		store:        cfg.Store,
		reservations: cfg.Reservations,
		payments:     cfg.Payments,
		billing:      cfg.Billing,
		retry:        compRetry,
		timeout:      stepTimeout,
		metrics:      cfg.Metrics,
		logger:       logger,
	}
	return o
}

// Start validates the request and creates the saga, or returns the existing
// one when the idempotency key has been seen before. It never executes steps
// itself; call Launch (or Run) on a newly created instance.
func (o *Orchestrator) Start(ctx context.Context, req Request) (Instance, bool, error) {
	if err := req.Validate(); err != nil {
		return Instance{}, false, err
	}

	if o.outcomes != nil {
		if res, ok, err := o.outcomes.Get(ctx, req.IdempotencyKey); err != nil {
			o.logger.Warn("outcome cache read failed", "error", err)
		} else if ok {
			if inst, err := o.store.Get(ctx, res.SagaID); err == nil {
				if inst.UserID != req.UserID || inst.ListingID != req.ListingID || inst.Amount != req.Amount {
					return Instance{}, false, ErrIdempotencyConflict
				}
				return inst, false, nil
			}
		}
	}

	now := time.Now().UTC()
	inst := Instance{
		SagaID:         o.newID(),
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		ListingID:      req.ListingID,
		ListingType:    req.ListingType,
		StartsAt:       req.StartsAt,
		EndsAt:         req.EndsAt,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Instrument:     req.Instrument,
		State:          StateStarted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := o.store.Create(ctx, inst)
	if err != nil {
		return Instance{}, false, err
	}
	return stored, created, nil
}

// Launch executes the saga detached from the caller, bounded by the worker
// pool. Used by the HTTP layer so a saga is not cancelled when the response
// is sent.
func (o *Orchestrator) Launch(inst Instance) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.workers <- struct{}{}
		defer func() { <-o.workers }()

		if _, err := o.Run(context.Background(), inst); err != nil {
			o.logger.Error("saga run failed", "saga_id", inst.SagaID, "error", err)
		}
	}()
}

// Drain waits for in-flight sagas to settle or the context to end.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the saga from its current state to a terminal one and returns
// the definitive outcome. Steps within the saga are strictly ordered; every
// downstream call is bounded by the step timeout and the per-step retry
// budget.
func (o *Orchestrator) Run(ctx context.Context, inst Instance) (Result, error) {
	cur, err := o.store.Get(ctx, inst.SagaID)
	if err != nil {
		return Result{}, err
	}
	inst = cur

	if inst.State.Terminal() {
		return o.resultFor(ctx, inst), nil
	}
	if inst.State == StateCompensating {
		return o.finishCompensation(ctx, inst, "compensation_resumed")
	}

	refs, err := o.externalRefs(ctx, inst.SagaID)
	if err != nil {
		return Result{}, err
	}

	for i, st := range stages {
		if stateRank[inst.State] >= stateRank[st.done] {
			continue
		}

		if inst.State != st.entry {
			ok, err := o.store.Transition(ctx, inst.SagaID, stagePrev(i), st.entry)
			if err != nil {
				return Result{}, err
			}
			if !ok {
				// Another actor moved the saga (operator cancel). Yield.
				return o.yield(ctx, inst.SagaID)
			}
			inst.State = st.entry
		}

		ref, stepErr := o.executeStep(ctx, inst, st, refs)
		if stepErr != nil {
			return o.failAndCompensate(ctx, inst, st, stepErr)
		}
		refs[st.step] = ref

		ok, err := o.store.Transition(ctx, inst.SagaID, st.entry, st.done)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return o.yield(ctx, inst.SagaID)
		}
		inst.State = st.done
	}

	res := Result{
		SagaID:        inst.SagaID,
		State:         StateCompleted,
		BookingID:     refs[StepConfirm],
		InvoiceNumber: refs[StepBill],
	}
	o.metrics.CountOutcome(string(res.State))
	o.cacheOutcome(ctx, inst.IdempotencyKey, res)
	o.publish(ctx, events.Event{
		Type:          events.TypeBookingCompleted,
		SagaID:        inst.SagaID,
		BookingID:     res.BookingID,
		InvoiceNumber: res.InvoiceNumber,
		At:            time.Now().UTC(),
	})
	o.logger.Info("saga completed", "saga_id", inst.SagaID, "booking_id", res.BookingID, "invoice", res.InvoiceNumber)
	return res, nil
}

// GetStatus returns the saga and its full step history.
func (o *Orchestrator) GetStatus(ctx context.Context, sagaID string) (Instance, []StepRecord, error) {
	inst, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return Instance{}, nil, err
	}
	steps, err := o.store.Steps(ctx, sagaID)
	if err != nil {
		return Instance{}, nil, err
	}
	return inst, steps, nil
}

// Cancel routes a non-terminal saga into compensation, as if the current
// step had failed. Compensation runs detached, bounded by the worker pool.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) error {
	inst, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if !inst.State.Cancellable() {
		return ErrCancelNotAllowed
	}

	ok, err := o.store.Transition(ctx, sagaID, inst.State, StateCompensating)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race with the saga's own progress; one retry against the
		// fresh state, then give up.
		inst, err = o.store.Get(ctx, sagaID)
		if err != nil {
			return err
		}
		if !inst.State.Cancellable() {
			return ErrCancelNotAllowed
		}
		ok, err = o.store.Transition(ctx, sagaID, inst.State, StateCompensating)
		if err != nil {
			return err
		}
		if !ok {
			return ErrCancelNotAllowed
		}
	}
	if err := o.store.SetReason(ctx, sagaID, "cancelled"); err != nil {
		o.logger.Warn("set cancel reason failed", "saga_id", sagaID, "error", err)
	}
	inst.State = StateCompensating

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.workers <- struct{}{}
		defer func() { <-o.workers }()

		if _, err := o.finishCompensation(context.Background(), inst, "cancelled"); err != nil {
			o.logger.Error("cancel compensation failed", "saga_id", sagaID, "error", err)
		}
	}()
	return nil
}

// Recover resumes sagas that were in flight when the process crashed.
// Pending steps with an ambiguous outcome are reconciled against the
// downstream service before the saga continues forward or compensates.
func (o *Orchestrator) Recover(ctx context.Context) error {
	insts, err := o.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, inst := range insts {
		if inst.State == StateCompensating {
			o.logger.Info("resuming compensation", "saga_id", inst.SagaID)
			o.wg.Add(1)
			go func(inst Instance) {
				defer o.wg.Done()
				o.workers <- struct{}{}
				defer func() { <-o.workers }()
				if _, err := o.finishCompensation(context.Background(), inst, "compensation_resumed"); err != nil {
					o.logger.Error("resumed compensation failed", "saga_id", inst.SagaID, "error", err)
				}
			}(inst)
			continue
		}

		if err := o.reconcile(ctx, inst); err != nil {
			o.logger.Error("reconciliation failed", "saga_id", inst.SagaID, "error", err)
			continue
		}
		fresh, err := o.store.Get(ctx, inst.SagaID)
		if err != nil {
			o.logger.Error("reload after reconcile failed", "saga_id", inst.SagaID, "error", err)
			continue
		}
		o.logger.Info("resuming saga", "saga_id", fresh.SagaID, "state", fresh.State)
		o.Launch(fresh)
	}
	return nil
}

// reconcile queries downstreams for pending steps whose response may have
// been lost, using the saga id (or the derived idempotency key) as the
// correlation key. Steps with a confirmed external effect are marked
// succeeded so the resumed run does not repeat them.
func (o *Orchestrator) reconcile(ctx context.Context, inst Instance) error {
	steps, err := o.store.Steps(ctx, inst.SagaID)
	if err != nil {
		return err
	}
	for _, rec := range steps {
		if rec.Status != StepPending {
			continue
		}
		ref, ok, err := o.lookupEffect(ctx, inst, rec.Step)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", rec.Step, err)
		}
		if !ok {
			// No confirmed effect; the resumed run retries the step.
			continue
		}
		if err := o.store.FinishStep(ctx, inst.SagaID, rec.Step, StepSucceeded, ref, ""); err != nil {
			return err
		}
		if st, found := stageFor(rec.Step); found {
			if _, err := o.store.Transition(ctx, inst.SagaID, st.entry, st.done); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) lookupEffect(ctx context.Context, inst Instance, step Step) (string, bool, error) {
	switch step {
	case StepReserve:
		hold, ok, err := o.reservations.LookupHold(ctx, inst.SagaID)
		if err != nil || !ok {
			return "", false, err
		}
		return hold.Token, true, nil
	case StepAuthorize:
		return o.payments.LookupAuthorization(ctx, paymentKey(inst.SagaID, StepAuthorize))
	case StepCapture:
		return o.payments.LookupCapture(ctx, paymentKey(inst.SagaID, StepCapture))
	case StepBill:
		return o.billing.LookupBill(ctx, inst.SagaID)
	case StepConfirm:
		hold, ok, err := o.reservations.LookupHold(ctx, inst.SagaID)
		if err != nil || !ok {
			return "", false, err
		}
		if hold.Status != HoldConsumed {
			return "", false, nil
		}
		return bookingID(inst.SagaID), true, nil
	}
	return "", false, fmt.Errorf("unknown step %q", step)
}

// executeStep writes the pending intent record, performs the downstream call
// under the retry budget, and finalizes the record with the outcome.
func (o *Orchestrator) executeStep(ctx context.Context, inst Instance, st stage, refs map[Step]string) (string, error) {
	var ref string
	span := o.metrics.Start("step." + string(st.step))
	err := o.retry.Do(ctx, func() error {
		if _, err := o.store.BeginStep(ctx, inst.SagaID, st.step); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		defer cancel()

		var callErr error
		ref, callErr = o.callStep(callCtx, inst, st.step, refs)
		if errors.Is(callErr, context.DeadlineExceeded) && ctx.Err() == nil {
			callErr = fmt.Errorf("%w: %s", ErrDownstreamTimeout, st.step)
		}
		return callErr
	})
	span.End(err)

	if err != nil {
		if ferr := o.store.FinishStep(ctx, inst.SagaID, st.step, StepFailed, "", err.Error()); ferr != nil {
			o.logger.Error("record step failure", "saga_id", inst.SagaID, "step", st.step, "error", ferr)
		}
		return "", err
	}
	if err := o.store.FinishStep(ctx, inst.SagaID, st.step, StepSucceeded, ref, ""); err != nil {
		return "", err
	}
	return ref, nil
}

func (o *Orchestrator) callStep(ctx context.Context, inst Instance, step Step, refs map[Step]string) (string, error) {
	switch step {
	case StepReserve:
		hold, err := o.reservations.Reserve(ctx, inst.SagaID, inst.ListingID, inst.StartsAt, inst.EndsAt, o.holdTTL)
		if err != nil {
			return "", err
		}
		return hold.Token, nil
	case StepAuthorize:
		return o.payments.Authorize(ctx, inst.Amount, inst.Currency, inst.Instrument, paymentKey(inst.SagaID, StepAuthorize))
	case StepCapture:
		authID := refs[StepAuthorize]
		if authID == "" {
			return "", fmt.Errorf("capture without authorization for saga %s", inst.SagaID)
		}
		return o.payments.Capture(ctx, authID, paymentKey(inst.SagaID, StepCapture))
	case StepBill:
		return o.billing.WriteBill(ctx, inst.SagaID, inst.Amount, inst.Currency)
	case StepConfirm:
		token := refs[StepReserve]
		if token == "" {
			return "", fmt.Errorf("confirm without hold for saga %s", inst.SagaID)
		}
		if err := o.reservations.Consume(ctx, token); err != nil {
			return "", err
		}
		return bookingID(inst.SagaID), nil
	}
	return "", fmt.Errorf("unknown step %q", step)
}

// failAndCompensate moves the saga into COMPENSATING and unwinds the steps
// that already succeeded, in reverse order.
func (o *Orchestrator) failAndCompensate(ctx context.Context, inst Instance, st stage, cause error) (Result, error) {
	reason := ReasonCode(cause)
	o.logger.Warn("saga step failed",
		"saga_id", inst.SagaID, "step", st.step, "reason", reason, "error", cause)

	ok, err := o.store.Transition(ctx, inst.SagaID, st.entry, StateCompensating)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return o.yield(ctx, inst.SagaID)
	}
	if err := o.store.SetReason(ctx, inst.SagaID, reason); err != nil {
		o.logger.Warn("set failure reason", "saga_id", inst.SagaID, "error", err)
	}
	inst.State = StateCompensating
	return o.finishCompensation(ctx, inst, reason)
}

// finishCompensation runs the compensation executor and settles the saga in
// FAILED, or COMPENSATION_FAILED when a reverse action exhausts its budget.
func (o *Orchestrator) finishCompensation(ctx context.Context, inst Instance, reason string) (Result, error) {
	// Compensation must finish even if the trigger's context is gone.
	compCtx := context.WithoutCancel(ctx)

	if err := o.compensator.Compensate(compCtx, inst); err != nil {
		res := Result{SagaID: inst.SagaID, State: StateCompensationFailed, ReasonCode: "compensation_failed"}
		o.metrics.CountOutcome(string(res.State))
		o.cacheOutcome(compCtx, inst.IdempotencyKey, res)
		o.publish(compCtx, events.Event{
			Type:       events.TypeBookingFailed,
			SagaID:     inst.SagaID,
			ReasonCode: res.ReasonCode,
			At:         time.Now().UTC(),
		})
		return res, err
	}

	res := Result{SagaID: inst.SagaID, State: StateFailed, ReasonCode: reason}
	o.metrics.CountOutcome(string(res.State))
	o.cacheOutcome(compCtx, inst.IdempotencyKey, res)
	o.publish(compCtx, events.Event{
		Type:       events.TypeBookingFailed,
		SagaID:     inst.SagaID,
		ReasonCode: reason,
		At:         time.Now().UTC(),
	})
	o.logger.Info("saga failed", "saga_id", inst.SagaID, "reason", reason)
	return res, nil
}

// yield reloads the saga after losing a state race. Losing to a cancel means
// this goroutine's current step may have succeeded after the cancelling actor
// read the step records, so compensation is re-driven here rather than merely
// reported: Compensate re-reads the records and skips what is already undone.
func (o *Orchestrator) yield(ctx context.Context, sagaID string) (Result, error) {
	inst, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}

	switch inst.State {
	case StateCompensating:
		reason := inst.ReasonCode
		if reason == "" {
			reason = "compensation_resumed"
		}
		return o.finishCompensation(ctx, inst, reason)
	case StateFailed:
		// The winning actor already settled the saga; unwind any step that
		// landed after its compensation pass.
		if err := o.compensator.Compensate(context.WithoutCancel(ctx), inst); err != nil {
			o.logger.Error("late compensation failed", "saga_id", sagaID, "error", err)
		}
		inst, err = o.store.Get(ctx, sagaID)
		if err != nil {
			return Result{}, err
		}
	}
	return o.resultFor(ctx, inst), nil
}

// resultFor rebuilds the outcome for a saga from its persisted state.
func (o *Orchestrator) resultFor(ctx context.Context, inst Instance) Result {
	res := Result{SagaID: inst.SagaID, State: inst.State, ReasonCode: inst.ReasonCode}
	if inst.State == StateCompleted {
		if refs, err := o.externalRefs(ctx, inst.SagaID); err == nil {
			res.BookingID = refs[StepConfirm]
			res.InvoiceNumber = refs[StepBill]
		}
	}
	return res
}

func (o *Orchestrator) externalRefs(ctx context.Context, sagaID string) (map[Step]string, error) {
	steps, err := o.store.Steps(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	refs := make(map[Step]string, len(steps))
	for _, rec := range steps {
		if rec.Status == StepSucceeded || rec.Status == StepCompensated {
			refs[rec.Step] = rec.ExternalRef
		}
	}
	return refs, nil
}

func (o *Orchestrator) cacheOutcome(ctx context.Context, key string, res Result) {
	if o.outcomes == nil {
		return
	}
	if err := o.outcomes.Put(ctx, key, res); err != nil {
		o.logger.Warn("outcome cache write failed", "key", key, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn("event publish failed", "type", ev.Type, "saga_id", ev.SagaID, "error", err)
	}
}
