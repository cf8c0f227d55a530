package unit

import "context"

// Worker is the pluggable capability performing the domain work for one
// payload kind.
//
// A single call is one attempt. done=true means the unit's work is
// finished. done=false defers completion: typically the attempt only
// discovered and enqueued further work, and the unit should come back
// around once that work resolves. A non-nil err is a failed attempt,
// classified by Transient/Permanent wrapping (unwrapped errors count as
// transient).
//
// Work runs outside the commit transaction. Any non-database side effects
// it performs must be idempotent: a crash between side effect and commit
// causes the same unit to be re-executed.
type Worker interface {
	Work(ctx context.Context, u *Unit) (done bool, err error)
}

// The hook interfaces below are optional on a Worker. The executor invokes
// them inside the same transaction that records the unit's new state, with
// a Tx scoped to that transaction. Work a hook inserts through the Tx
// becomes visible if and only if the triggering transition commits.
//
// Only the leaseholder can commit this transaction, so no other process
// can interleave a conflicting write to the same unit.

// SuccessHook runs when the unit is being recorded SUCCEEDED.
type SuccessHook interface {
	OnSuccess(ctx context.Context, tx Tx, u *Unit) error
}

// RescheduleHook runs when a reschedule outcome is being recorded. New
// requirements it adds on u re-gate the unit: it lands PENDING instead of
// READY when they are unresolved at commit.
type RescheduleHook interface {
	OnReschedule(ctx context.Context, tx Tx, u *Unit) error
}

// FailureHook runs when the unit is being recorded INFEASIBLE — a
// permanent failure or an exhausted attempt budget. Per-attempt detail
// lives in the exception log, not here.
type FailureHook interface {
	OnFailure(ctx context.Context, tx Tx, u *Unit, workErr error) error
}

// WorkFunc adapts a plain function to the Worker interface, for workers
// that need no hooks.
type WorkFunc func(ctx context.Context, u *Unit) (bool, error)

// Work implements Worker.
func (f WorkFunc) Work(ctx context.Context, u *Unit) (bool, error) {
	return f(ctx, u)
}
