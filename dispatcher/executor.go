// Package dispatcher contains the execution engine: an Executor that runs
// one worker attempt against one leased unit and commits the outcome in a
// single store transaction, and a Dispatcher that polls for dispatchable
// units, claims leases, and hands units to the Executor.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/backoff"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/middleware"
	"github.com/taskloom/taskloom/unit"
)

// Outcome is the interpreted result of one execution attempt.
type Outcome string

const (
	// OutcomeSucceeded: the unit completed; dependents may have been promoted.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeRescheduled: the worker deferred completion; the unit went
	// back to READY, or to PENDING when its hook added new requirements.
	OutcomeRescheduled Outcome = "rescheduled"
	// OutcomeRetrying: a transient failure with attempts remaining.
	OutcomeRetrying Outcome = "retrying"
	// OutcomeInfeasible: a permanent failure or an exhausted budget.
	OutcomeInfeasible Outcome = "infeasible"
	// OutcomeLeaseLost: the lease expired and another dispatcher claimed
	// the unit before this attempt could commit; all writes rolled back.
	OutcomeLeaseLost Outcome = "lease_lost"
)

// Executor runs one worker invocation against one leased unit and commits
// the resulting state transition — together with whatever the worker's
// hooks wrote — atomically.
type Executor struct {
	registry *unit.Registry
	store    unit.Store
	backoff  backoff.Strategy
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *unit.Registry,
	store unit.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		backoff:  bo,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs the leased unit through the middleware chain and its
// registered worker, then commits the outcome.
//
// A returned error means the engine could not record an outcome (store
// unavailable, no worker registered). The unit stays leased; expiry will
// make it re-claimable. Worker failures are never returned as errors —
// they become state transitions plus exception log entries.
func (e *Executor) Execute(ctx context.Context, unitID id.UnitID, holder id.DispatcherID) (Outcome, error) {
	// Re-read after the claim so attempts and lease fields are current.
	u, err := e.store.GetUnit(ctx, unitID)
	if err != nil {
		return "", fmt.Errorf("load leased unit: %w", err)
	}

	w, ok := e.registry.Get(u.Kind)
	if !ok {
		return "", fmt.Errorf("%w: %q", taskloom.ErrNoWorker, u.Kind)
	}

	terminal := func(ctx context.Context) (bool, error) {
		return w.Work(ctx, u)
	}

	done, workErr := e.mw(ctx, u, terminal)

	now := time.Now().UTC()
	var outcome Outcome
	switch {
	case workErr != nil:
		outcome = e.commitFailure(ctx, u, w, holder, workErr, now)
	case done:
		outcome = e.commitSuccess(ctx, u, w, holder, now)
	default:
		outcome = e.commitReschedule(ctx, u, w, holder, now)
	}

	if outcome == "" {
		return "", fmt.Errorf("commit outcome for unit %s: store failure", u.ID)
	}
	return outcome, nil
}

// commitSuccess records SUCCEEDED, runs the success hook, and promotes
// dependents whose last unresolved requirement was this unit — all in one
// transaction.
func (e *Executor) commitSuccess(ctx context.Context, u *unit.Unit, w unit.Worker, holder id.DispatcherID, now time.Time) Outcome {
	err := e.store.InTx(ctx, func(tx unit.Tx) error {
		u.State = unit.StateSucceeded
		u.CompletedAt = &now
		u.LastError = ""
		u.ClearLease()
		if err := tx.UpdateLeased(ctx, u, holder); err != nil {
			return err
		}

		if hook, ok := w.(unit.SuccessHook); ok {
			if err := hook.OnSuccess(ctx, tx, u); err != nil {
				return fmt.Errorf("on-success hook: %w", err)
			}
		}

		promoted, err := tx.PromoteDependents(ctx, u.ID)
		if err != nil {
			return err
		}
		if promoted > 0 {
			e.logger.Debug("promoted dependents",
				slog.String("unit_id", u.ID.String()),
				slog.Int("count", promoted),
			)
		}
		return nil
	})
	return e.interpretCommit(u, OutcomeSucceeded, err)
}

// commitReschedule runs the reschedule hook (which may insert new work and
// re-gate this unit), then parks the unit READY or PENDING depending on
// whether its requirements are satisfied after the hook ran.
func (e *Executor) commitReschedule(ctx context.Context, u *unit.Unit, w unit.Worker, holder id.DispatcherID, now time.Time) Outcome {
	err := e.store.InTx(ctx, func(tx unit.Tx) error {
		if hook, ok := w.(unit.RescheduleHook); ok {
			if err := hook.OnReschedule(ctx, tx, u); err != nil {
				return fmt.Errorf("on-reschedule hook: %w", err)
			}
		}

		satisfied, err := tx.RequirementsSatisfied(ctx, u.ID)
		if err != nil {
			return err
		}

		if satisfied {
			u.State = unit.StateReady
		} else {
			u.State = unit.StatePending
		}
		u.NotBefore = now
		u.ClearLease()
		return tx.UpdateLeased(ctx, u, holder)
	})
	return e.interpretCommit(u, OutcomeRescheduled, err)
}

// commitFailure classifies the worker error, appends the exception log
// entry, and either re-readies the unit with backoff or records it
// INFEASIBLE (running the failure hook in the latter case).
func (e *Executor) commitFailure(ctx context.Context, u *unit.Unit, w unit.Worker, holder id.DispatcherID, workErr error, now time.Time) Outcome {
	kind := unit.Classify(workErr)
	u.Attempts++
	u.LastError = workErr.Error()

	exhausted := kind == unit.KindPermanent || u.Attempts >= u.MaxAttempts
	result := OutcomeRetrying
	if exhausted {
		result = OutcomeInfeasible
	}

	err := e.store.InTx(ctx, func(tx unit.Tx) error {
		exc := &unit.Exception{
			ID:        id.NewExceptionID(),
			UnitID:    u.ID,
			Kind:      kind,
			Message:   workErr.Error(),
			Attempt:   u.Attempts,
			CreatedAt: now,
		}
		if err := tx.RecordException(ctx, exc); err != nil {
			return err
		}

		if exhausted {
			u.State = unit.StateInfeasible
			u.ClearLease()
			if err := tx.UpdateLeased(ctx, u, holder); err != nil {
				return err
			}
			if hook, ok := w.(unit.FailureHook); ok {
				if err := hook.OnFailure(ctx, tx, u, workErr); err != nil {
					return fmt.Errorf("on-failure hook: %w", err)
				}
			}
			return nil
		}

		u.State = unit.StateReady
		u.NotBefore = now.Add(e.backoff.Delay(u.Attempts))
		u.ClearLease()
		return tx.UpdateLeased(ctx, u, holder)
	})
	return e.interpretCommit(u, result, err)
}

// interpretCommit folds a commit error into an Outcome. A lost lease is
// not a store failure: the expired claim was legally taken over and this
// attempt's writes rolled back, so exactly one terminal transition
// survives.
func (e *Executor) interpretCommit(u *unit.Unit, committed Outcome, err error) Outcome {
	switch {
	case err == nil:
		return committed
	case isLeaseLost(err):
		e.logger.Warn("lease lost before commit, attempt discarded",
			slog.String("unit_id", u.ID.String()),
			slog.String("kind", u.Kind),
		)
		return OutcomeLeaseLost
	default:
		e.logger.Error("outcome commit failed",
			slog.String("unit_id", u.ID.String()),
			slog.String("kind", u.Kind),
			slog.String("error", err.Error()),
		)
		return ""
	}
}
