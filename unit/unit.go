package unit

import (
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
)

// State represents the lifecycle state of a work unit.
type State string

const (
	// StatePending means the unit is blocked on unresolved requirements.
	StatePending State = "pending"
	// StateReady means the unit is eligible for dispatch.
	StateReady State = "ready"
	// StateLeased means a dispatcher holds an exclusive claim on the unit.
	StateLeased State = "leased"
	// StateSucceeded means the unit completed successfully. Terminal.
	StateSucceeded State = "succeeded"
	// StateInfeasible means the unit failed permanently or exhausted its
	// attempt budget; only an operator can make it feasible again. Terminal.
	StateInfeasible State = "infeasible"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateInfeasible
}

// Unit is the schedulable node of work. The engine owns it exclusively;
// application code creates units through the seeding interface and workers
// spawn dependents through transaction-bound hooks.
type Unit struct {
	taskloom.Entity

	ID   id.UnitID `json:"id"`
	Kind string    `json:"kind"`

	// Payload is the kind-tagged input data, immutable once created.
	// The engine routes it by Kind and never interprets it. Stored in
	// its own table, keyed 1:1 to the unit.
	Payload []byte `json:"payload,omitempty"`

	State State `json:"state"`

	// Attempts counts failed executions so far. MaxAttempts bounds
	// automatic transient retries.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// LeaseHolder and LeaseExpiresAt describe the current claim. Both
	// are zero when the unit is unleased. Expiry is a timestamp, not a
	// timer: an expired lease simply makes the unit claimable again.
	LeaseHolder    id.DispatcherID `json:"lease_holder,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`

	// NotBefore gates dispatch eligibility; transient retries push it
	// forward by the backoff delay. Zero means immediately eligible.
	NotBefore time.Time `json:"not_before,omitzero"`

	LastError   string     `json:"last_error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LeasedAt reports whether the unit holds an unexpired lease at the given
// instant.
func (u *Unit) LeasedAt(now time.Time) bool {
	return u.State == StateLeased && u.LeaseExpiresAt != nil && u.LeaseExpiresAt.After(now)
}

// Dispatchable reports whether the unit may be claimed at the given
// instant: READY past its NotBefore gate, or LEASED with an expired lease.
func (u *Unit) Dispatchable(now time.Time) bool {
	if !u.NotBefore.IsZero() && u.NotBefore.After(now) {
		return false
	}
	switch u.State {
	case StateReady:
		return true
	case StateLeased:
		return u.LeaseExpiresAt != nil && !u.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// ClearLease removes the current claim.
func (u *Unit) ClearLease() {
	u.LeaseHolder = id.Nil
	u.LeaseExpiresAt = nil
}
