package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/unit"
)

var _ unit.Tx = (*bunTx)(nil)

// bunTx implements the transactional contract over a bun.IDB, which is
// either the raw *bun.DB (single-call operations) or a bun.Tx (InTx).
type bunTx struct {
	idb bun.IDB
}

func (t *bunTx) GetUnit(ctx context.Context, unitID id.UnitID) (*unit.Unit, error) {
	m := new(unitModel)
	err := t.idb.NewSelect().Model(m).
		ColumnExpr("u.*").
		ColumnExpr("p.payload AS payload").
		Join("LEFT JOIN taskloom_work_unit_payloads AS p ON p.unit_id = u.id").
		Where("u.id = ?", unitID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, taskloom.ErrUnitNotFound
		}
		return nil, fmt.Errorf("taskloom/bun: get unit: %w", err)
	}
	return fromUnitModel(m)
}

func (t *bunTx) RequirementsSatisfied(ctx context.Context, unitID id.UnitID) (bool, error) {
	// Unresolved means the edge points at a missing or non-succeeded
	// dependency.
	unresolved, err := t.idb.NewSelect().
		TableExpr("taskloom_work_unit_requirements AS r").
		Join("LEFT JOIN taskloom_work_units AS d ON d.id = r.dependency_id").
		Where("r.dependent_id = ?", unitID.String()).
		Where("(d.id IS NULL OR d.state != 'succeeded')").
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("taskloom/bun: requirements satisfied: %w", err)
	}
	return !unresolved, nil
}

func (t *bunTx) InsertUnit(ctx context.Context, u *unit.Unit, requirements []id.UnitID) error {
	seen := make(map[string]struct{}, len(requirements))
	for _, dep := range requirements {
		if dep == u.ID {
			return taskloom.ErrSelfRequirement
		}
		if _, dup := seen[dep.String()]; dup {
			return taskloom.ErrDuplicateRequirement
		}
		seen[dep.String()] = struct{}{}
	}

	now := time.Now().UTC()
	satisfied := true
	for _, dep := range requirements {
		var state string
		err := t.idb.NewSelect().
			TableExpr("taskloom_work_units").
			Column("state").
			Where("id = ?", dep.String()).
			Scan(ctx, &state)
		if err != nil {
			if isNoRows(err) {
				return fmt.Errorf("%w: dependency %s", taskloom.ErrUnitNotFound, dep)
			}
			return fmt.Errorf("taskloom/bun: check dependency: %w", err)
		}
		if unit.State(state) != unit.StateSucceeded {
			satisfied = false
		}
	}

	m := toUnitModel(u)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if !u.State.Terminal() {
		if satisfied {
			m.State = string(unit.StateReady)
		} else {
			m.State = string(unit.StatePending)
		}
		u.State = unit.State(m.State)
	}

	if _, err := t.idb.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return taskloom.ErrUnitAlreadyExists
		}
		return fmt.Errorf("taskloom/bun: insert unit: %w", err)
	}

	if len(u.Payload) > 0 {
		p := &payloadModel{UnitID: u.ID.String(), Payload: u.Payload}
		if _, err := t.idb.NewInsert().Model(p).Exec(ctx); err != nil {
			return fmt.Errorf("taskloom/bun: insert payload: %w", err)
		}
	}

	for _, dep := range requirements {
		r := &requirementModel{
			DependentID:  u.ID.String(),
			DependencyID: dep.String(),
			CreatedAt:    now,
		}
		if _, err := t.idb.NewInsert().Model(r).Exec(ctx); err != nil {
			return fmt.Errorf("taskloom/bun: insert requirement: %w", err)
		}
	}
	return nil
}

func (t *bunTx) AddRequirement(ctx context.Context, dependent, dependency id.UnitID) error {
	if dependent == dependency {
		return taskloom.ErrSelfRequirement
	}

	for _, unitID := range []id.UnitID{dependent, dependency} {
		exists, err := t.idb.NewSelect().
			TableExpr("taskloom_work_units").
			Where("id = ?", unitID.String()).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("taskloom/bun: add requirement exists check: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", taskloom.ErrUnitNotFound, unitID)
		}
	}

	// The new edge dependent->dependency closes a cycle exactly when
	// dependent is already reachable from dependency.
	var cyclic bool
	err := t.idb.NewRaw(`
		WITH RECURSIVE reach(uid) AS (
			SELECT dependency_id FROM taskloom_work_unit_requirements
			WHERE dependent_id = ?0
			UNION
			SELECT r.dependency_id FROM taskloom_work_unit_requirements r
			JOIN reach ON r.dependent_id = reach.uid
		)
		SELECT EXISTS(SELECT 1 FROM reach WHERE uid = ?1)`,
		dependency.String(), dependent.String(),
	).Scan(ctx, &cyclic)
	if err != nil {
		return fmt.Errorf("taskloom/bun: cycle check: %w", err)
	}
	if cyclic {
		return taskloom.ErrRequirementCycle
	}

	r := &requirementModel{
		DependentID:  dependent.String(),
		DependencyID: dependency.String(),
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := t.idb.NewInsert().Model(r).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return taskloom.ErrDuplicateRequirement
		}
		return fmt.Errorf("taskloom/bun: insert requirement: %w", err)
	}

	// Re-gate the dependent when the new requirement is unresolved. Leased
	// units are left alone; their commit path re-evaluates requirements.
	_, err = t.idb.NewUpdate().
		TableExpr("taskloom_work_units").
		Set("state = 'pending'").
		Set("updated_at = NOW()").
		Where("id = ?", dependent.String()).
		Where("state IN ('ready', 'pending')").
		Where("(SELECT state FROM taskloom_work_units WHERE id = ?) != 'succeeded'", dependency.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("taskloom/bun: re-gate dependent: %w", err)
	}
	return nil
}

func (t *bunTx) UpdateLeased(ctx context.Context, u *unit.Unit, holder id.DispatcherID) error {
	m := toUnitModel(u)
	m.UpdatedAt = time.Now().UTC()

	// The holder guard: only the dispatcher that still owns the lease may
	// commit. An expired-but-unclaimed lease still passes; a re-claimed or
	// already-transitioned row does not.
	res, err := t.idb.NewUpdate().Model(m).
		WherePK().
		Where("state = 'leased'").
		Where("lease_holder = ?", holder.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("taskloom/bun: update leased: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return nil
	}

	exists, err := t.idb.NewSelect().
		TableExpr("taskloom_work_units").
		Where("id = ?", u.ID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("taskloom/bun: update leased exists check: %w", err)
	}
	if !exists {
		return taskloom.ErrUnitNotFound
	}
	return taskloom.ErrLeaseLost
}

func (t *bunTx) RecordException(ctx context.Context, e *unit.Exception) error {
	m := toExceptionModel(e)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if _, err := t.idb.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("taskloom/bun: record exception: %w", err)
	}
	return nil
}

func (t *bunTx) PromoteDependents(ctx context.Context, dependency id.UnitID) (int, error) {
	res, err := t.idb.NewUpdate().
		TableExpr("taskloom_work_units").
		Set("state = 'ready'").
		Set("updated_at = NOW()").
		Where("state = 'pending'").
		Where("id IN (SELECT dependent_id FROM taskloom_work_unit_requirements WHERE dependency_id = ?)", dependency.String()).
		Where(`NOT EXISTS (
			SELECT 1 FROM taskloom_work_unit_requirements r
			JOIN taskloom_work_units d ON d.id = r.dependency_id
			WHERE r.dependent_id = taskloom_work_units.id
			  AND d.state != 'succeeded'
		)`).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("taskloom/bun: promote dependents: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return int(rows), nil
}

func (t *bunTx) ListExceptions(ctx context.Context, unitID id.UnitID) ([]*unit.Exception, error) {
	var models []exceptionModel
	err := t.idb.NewSelect().Model(&models).
		Where("e.unit_id = ?", unitID.String()).
		Order("e.created_at ASC", "e.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("taskloom/bun: list exceptions: %w", err)
	}

	excs := make([]*unit.Exception, 0, len(models))
	for i := range models {
		e, convErr := fromExceptionModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		excs = append(excs, e)
	}
	return excs, nil
}
