package booking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"itinero/internal/observability"
)

// compensationOrder is the strict reverse of the forward step order.
// Confirm is never compensated: once it succeeds the saga is COMPLETED.
var compensationOrder = []Step{StepBill, StepCapture, StepAuthorize, StepReserve}

// Compensator replays reverse actions for the steps of a saga that
// succeeded, in LIFO order: void bill, refund or void payment, release the
// hold. Each reverse action has its own retry budget; exhausting it freezes
// the saga in COMPENSATION_FAILED for operator intervention.
type Compensator struct {
	store        SagaStore
	reservations ReservationClient
	payments     PaymentClient
	billing      BillingClient

	retry   RetryPolicy
	timeout time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// Compensate unwinds the saga and settles it in FAILED. Safe to re-run,
// including after the saga has already settled: compensated steps are
// skipped, every reverse action is idempotent downstream, and the closing
// transition is a no-op CAS once the saga is terminal.
func (c *Compensator) Compensate(ctx context.Context, inst Instance) error {
	steps, err := c.store.Steps(ctx, inst.SagaID)
	if err != nil {
		return err
	}
	byStep := make(map[Step]StepRecord, len(steps))
	for _, rec := range steps {
		byStep[rec.Step] = rec
	}
	captured := byStep[StepCapture].Status == StepSucceeded

	for _, step := range compensationOrder {
		rec, ok := byStep[step]
		if !ok || rec.Status != StepSucceeded {
			continue
		}
		if step == StepAuthorize && captured {
			// The capture consumed the authorization; the refund above
			// already reversed the money movement.
			if err := c.store.FinishStep(ctx, inst.SagaID, step, StepCompensated, rec.ExternalRef, ""); err != nil {
				return err
			}
			continue
		}

		span := c.metrics.Start("compensate." + string(step))
		err := c.retry.Do(ctx, func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return c.reverse(callCtx, inst, step, rec.ExternalRef)
		})
		span.End(err)

		if err != nil {
			c.logger.Error("ALERT: compensation exhausted retries, saga frozen",
				"saga_id", inst.SagaID, "step", step, "error", err)
			if serr := c.store.SetReason(ctx, inst.SagaID, "compensation_failed"); serr != nil {
				c.logger.Error("record compensation failure reason", "saga_id", inst.SagaID, "error", serr)
			}
			if _, terr := c.store.Transition(ctx, inst.SagaID, StateCompensating, StateCompensationFailed); terr != nil {
				c.logger.Error("mark saga compensation failed", "saga_id", inst.SagaID, "error", terr)
			}
			return fmt.Errorf("%w: %s: %v", ErrCompensationFailed, step, err)
		}

		if err := c.store.FinishStep(ctx, inst.SagaID, step, StepCompensated, rec.ExternalRef, ""); err != nil {
			return err
		}
		c.logger.Info("step compensated", "saga_id", inst.SagaID, "step", step)
	}

	if _, err := c.store.Transition(ctx, inst.SagaID, StateCompensating, StateFailed); err != nil {
		return err
	}
	return nil
}

func (c *Compensator) reverse(ctx context.Context, inst Instance, step Step, ref string) error {
	switch step {
	case StepBill:
		return c.billing.VoidBill(ctx, ref)
	case StepCapture:
		return c.payments.Refund(ctx, ref, inst.Amount)
	case StepAuthorize:
		return c.payments.Void(ctx, ref)
	case StepReserve:
		return c.reservations.Release(ctx, ref)
	}
	return fmt.Errorf("no reverse action for step %q", step)
}
