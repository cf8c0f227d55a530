package memory

import (
	"context"
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/unit"
)

var _ unit.Tx = (*memTx)(nil)

// memTx operates on a cloned state; its writes become visible only when
// InTx swaps the clone in.
type memTx struct {
	st *state
}

func (t *memTx) GetUnit(_ context.Context, unitID id.UnitID) (*unit.Unit, error) {
	u, ok := t.st.units[unitID.String()]
	if !ok {
		return nil, taskloom.ErrUnitNotFound
	}
	cp := copyUnit(u)
	cp.Payload = t.st.payloads[unitID.String()]
	return cp, nil
}

func (t *memTx) RequirementsSatisfied(_ context.Context, unitID id.UnitID) (bool, error) {
	if _, ok := t.st.units[unitID.String()]; !ok {
		return false, taskloom.ErrUnitNotFound
	}
	for _, r := range t.st.reqs {
		if r.DependentID != unitID {
			continue
		}
		dep, ok := t.st.units[r.DependencyID.String()]
		if !ok || dep.State != unit.StateSucceeded {
			return false, nil
		}
	}
	return true, nil
}

func (t *memTx) InsertUnit(ctx context.Context, u *unit.Unit, requirements []id.UnitID) error {
	key := u.ID.String()
	if _, exists := t.st.units[key]; exists {
		return taskloom.ErrUnitAlreadyExists
	}

	seen := make(map[string]struct{}, len(requirements))
	for _, dep := range requirements {
		if dep == u.ID {
			return taskloom.ErrSelfRequirement
		}
		if _, dup := seen[dep.String()]; dup {
			return taskloom.ErrDuplicateRequirement
		}
		seen[dep.String()] = struct{}{}
		if _, ok := t.st.units[dep.String()]; !ok {
			return taskloom.ErrUnitNotFound
		}
	}

	now := time.Now().UTC()
	stored := copyUnit(u)
	stored.Payload = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	// A brand-new unit cannot be on anyone's requirement path yet, so the
	// edges need no cycle check.
	satisfied := true
	for _, dep := range requirements {
		if t.st.units[dep.String()].State != unit.StateSucceeded {
			satisfied = false
		}
		t.st.reqs = append(t.st.reqs, unit.Requirement{
			DependentID:  u.ID,
			DependencyID: dep,
			CreatedAt:    now,
		})
	}
	// A terminal state passes through untouched (fixtures, restores);
	// everything else gets its initial state from the requirements.
	if !stored.State.Terminal() {
		if satisfied {
			stored.State = unit.StateReady
		} else {
			stored.State = unit.StatePending
		}
		u.State = stored.State
	}

	t.st.units[key] = stored
	t.st.payloads[key] = u.Payload
	return nil
}

func (t *memTx) AddRequirement(_ context.Context, dependent, dependency id.UnitID) error {
	if dependent == dependency {
		return taskloom.ErrSelfRequirement
	}
	depUnit, ok := t.st.units[dependent.String()]
	if !ok {
		return taskloom.ErrUnitNotFound
	}
	dcy, ok := t.st.units[dependency.String()]
	if !ok {
		return taskloom.ErrUnitNotFound
	}

	for _, r := range t.st.reqs {
		if r.DependentID == dependent && r.DependencyID == dependency {
			return taskloom.ErrDuplicateRequirement
		}
	}

	// The new edge dependent->dependency closes a cycle exactly when
	// dependent is already reachable from dependency.
	if t.reachable(dependency, dependent) {
		return taskloom.ErrRequirementCycle
	}

	t.st.reqs = append(t.st.reqs, unit.Requirement{
		DependentID:  dependent,
		DependencyID: dependency,
		CreatedAt:    time.Now().UTC(),
	})

	// Re-gate the dependent if the new requirement is unresolved. A leased
	// unit is left alone; its commit path re-evaluates requirements itself.
	if dcy.State != unit.StateSucceeded &&
		(depUnit.State == unit.StateReady || depUnit.State == unit.StatePending) {
		depUnit.State = unit.StatePending
		depUnit.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// reachable walks requirement edges depth-first from start and reports
// whether target is on any path.
func (t *memTx) reachable(start, target id.UnitID) bool {
	visited := make(map[string]struct{})
	stack := []id.UnitID{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if _, seen := visited[cur.String()]; seen {
			continue
		}
		visited[cur.String()] = struct{}{}
		for _, r := range t.st.reqs {
			if r.DependentID == cur {
				stack = append(stack, r.DependencyID)
			}
		}
	}
	return false
}

func (t *memTx) UpdateLeased(_ context.Context, u *unit.Unit, holder id.DispatcherID) error {
	cur, ok := t.st.units[u.ID.String()]
	if !ok {
		return taskloom.ErrUnitNotFound
	}
	// The holder guard: only the dispatcher that still owns the lease may
	// commit. An expired-but-unclaimed lease still passes; a re-claimed or
	// already-transitioned row does not.
	if cur.State != unit.StateLeased || cur.LeaseHolder != holder {
		return taskloom.ErrLeaseLost
	}

	stored := copyUnit(u)
	stored.Payload = nil
	stored.CreatedAt = cur.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	t.st.units[u.ID.String()] = stored
	return nil
}

func (t *memTx) RecordException(_ context.Context, e *unit.Exception) error {
	if _, ok := t.st.units[e.UnitID.String()]; !ok {
		return taskloom.ErrUnitNotFound
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	key := e.UnitID.String()
	t.st.exceptions[key] = append(t.st.exceptions[key], &cp)
	return nil
}

func (t *memTx) PromoteDependents(ctx context.Context, dependency id.UnitID) (int, error) {
	promoted := 0
	now := time.Now().UTC()
	for _, r := range t.st.reqs {
		if r.DependencyID != dependency {
			continue
		}
		dep, ok := t.st.units[r.DependentID.String()]
		if !ok || dep.State != unit.StatePending {
			continue
		}
		satisfied, err := t.RequirementsSatisfied(ctx, dep.ID)
		if err != nil {
			return promoted, err
		}
		if satisfied {
			dep.State = unit.StateReady
			dep.UpdatedAt = now
			promoted++
		}
	}
	return promoted, nil
}

func (t *memTx) ListExceptions(_ context.Context, unitID id.UnitID) ([]*unit.Exception, error) {
	excs := t.st.exceptions[unitID.String()]
	out := make([]*unit.Exception, len(excs))
	for i, e := range excs {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}
