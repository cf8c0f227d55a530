package unit

import (
	"context"
	"time"

	"github.com/taskloom/taskloom/id"
)

// ListOpts controls pagination for unit list queries.
type ListOpts struct {
	// Limit is the maximum number of units to return. Zero means no limit.
	Limit int
	// Offset is the number of units to skip.
	Offset int
}

// Tx is the mutating contract bound to a single storage transaction.
// Everything written through one Tx commits atomically: a worker hook that
// inserts dependents through it can never be observed without the parent's
// own state transition, and vice versa.
type Tx interface {
	// GetUnit retrieves a unit, payload included.
	GetUnit(ctx context.Context, unitID id.UnitID) (*Unit, error)

	// RequirementsSatisfied reports whether every requirement naming
	// unitID as dependent points to a SUCCEEDED dependency.
	RequirementsSatisfied(ctx context.Context, unitID id.UnitID) (bool, error)

	// InsertUnit persists a new unit, its payload, and its requirement
	// edges. The initial state is READY when every named dependency has
	// already succeeded (trivially so for none), PENDING otherwise.
	// Named dependencies must exist.
	InsertUnit(ctx context.Context, u *Unit, requirements []id.UnitID) error

	// AddRequirement inserts the edge (dependent, dependency). Fails
	// with ErrRequirementCycle when the edge would close a cycle, and
	// with ErrSelfRequirement when dependent == dependency.
	AddRequirement(ctx context.Context, dependent, dependency id.UnitID) error

	// UpdateLeased persists u, but only while holder still owns the
	// row's unexpired claim. ErrLeaseLost otherwise — the caller's
	// transaction must then roll back, keeping exactly one terminal
	// transition per unit even after a lease expires mid-execution.
	UpdateLeased(ctx context.Context, u *Unit, holder id.DispatcherID) error

	// RecordException appends an exception log entry.
	RecordException(ctx context.Context, e *Exception) error

	// PromoteDependents moves PENDING dependents of the given unit to
	// READY where all of their dependencies have succeeded. Returns the
	// number of promoted units.
	PromoteDependents(ctx context.Context, dependency id.UnitID) (int, error)

	// ListExceptions returns the append-only exception log for a unit,
	// oldest first.
	ListExceptions(ctx context.Context, unitID id.UnitID) ([]*Exception, error)
}

// Store is the persistence contract for work units. The non-transactional
// methods embedded from Tx execute as single-call transactions.
type Store interface {
	Tx

	// InTx runs fn inside one storage transaction. All writes made
	// through the passed Tx commit together or not at all.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// ReadyUnits returns dispatchable units — READY past their NotBefore
	// gate, or LEASED with an expired lease — FIFO by creation time so
	// starvation among equally-ready units is bounded. Never returns a
	// PENDING unit.
	ReadyUnits(ctx context.Context, limit int) ([]*Unit, error)

	// AcquireLease attempts an exclusive time-bounded claim on the unit
	// for holder. Implemented as an atomic conditional update on the
	// dispatchable predicate, so two racing dispatchers produce exactly
	// one winner. Returns false, nil when the claim was lost.
	AcquireLease(ctx context.Context, unitID id.UnitID, holder id.DispatcherID, ttl time.Duration) (bool, error)

	// ExpiredLeases returns leased units whose claim has lapsed without
	// a terminal commit. Observability only; correctness never depends
	// on a sweeper.
	ExpiredLeases(ctx context.Context, limit int) ([]*Unit, error)

	// ListUnitsByState returns units in the given state, oldest first.
	ListUnitsByState(ctx context.Context, state State, opts ListOpts) ([]*Unit, error)

	// CountUnits returns the number of units in the given state.
	// An empty state counts all units.
	CountUnits(ctx context.Context, state State) (int64, error)

	// MarkFeasible is the operator path: INFEASIBLE back to READY with
	// the attempt count cleared. ErrNotInfeasible for any other state.
	MarkFeasible(ctx context.Context, unitID id.UnitID) error

	// Migrate runs schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
