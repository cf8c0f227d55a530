package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/unit"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ unit.Tx = (*sqlTx)(nil)

// sqlTx implements the transactional contract over a querier.
type sqlTx struct {
	q querier
}

const selectUnitColumns = `
	SELECT u.id, u.kind, u.state, u.attempts, u.max_attempts,
	       u.lease_holder, u.lease_expires_at, u.not_before, u.last_error,
	       u.started_at, u.completed_at, u.created_at, u.updated_at,
	       p.payload`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*unit.Unit, error) {
	var (
		unitID, kind, state              string
		attempts, maxAttempts            int
		leaseHolder, lastError           sql.NullString
		leaseExpiresAt, notBefore        sql.NullTime
		startedAt, completedAt           sql.NullTime
		createdAt, updatedAt             time.Time
		payload                          []byte
	)
	err := row.Scan(
		&unitID, &kind, &state, &attempts, &maxAttempts,
		&leaseHolder, &leaseExpiresAt, &notBefore, &lastError,
		&startedAt, &completedAt, &createdAt, &updatedAt,
		&payload,
	)
	if err != nil {
		return nil, err
	}

	parsedID, err := id.ParseUnitID(unitID)
	if err != nil {
		return nil, fmt.Errorf("taskloom/sqlite: parse unit id %q: %w", unitID, err)
	}

	u := &unit.Unit{
		Entity: taskloom.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:          parsedID,
		Kind:        kind,
		Payload:     payload,
		State:       unit.State(state),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastError:   lastError.String,
	}
	if leaseHolder.Valid && leaseHolder.String != "" {
		holder, hErr := id.ParseDispatcherID(leaseHolder.String)
		if hErr == nil {
			u.LeaseHolder = holder
		}
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		u.LeaseExpiresAt = &t
	}
	if notBefore.Valid {
		u.NotBefore = notBefore.Time
	}
	if startedAt.Valid {
		t := startedAt.Time
		u.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		u.CompletedAt = &t
	}
	return u, nil
}

func scanUnits(rows *sql.Rows) ([]*unit.Unit, error) {
	var units []*unit.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskloom/sqlite: scan units: %w", err)
	}
	return units, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (t *sqlTx) GetUnit(ctx context.Context, unitID id.UnitID) (*unit.Unit, error) {
	row := t.q.QueryRowContext(ctx, selectUnitColumns+`
		FROM taskloom_work_units u
		LEFT JOIN taskloom_work_unit_payloads p ON p.unit_id = u.id
		WHERE u.id = ?`,
		unitID.String(),
	)
	u, err := scanUnit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, taskloom.ErrUnitNotFound
		}
		return nil, fmt.Errorf("taskloom/sqlite: get unit: %w", err)
	}
	return u, nil
}

func (t *sqlTx) RequirementsSatisfied(ctx context.Context, unitID id.UnitID) (bool, error) {
	var unresolved bool
	err := t.q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM taskloom_work_unit_requirements r
			LEFT JOIN taskloom_work_units d ON d.id = r.dependency_id
			WHERE r.dependent_id = ?
			  AND (d.id IS NULL OR d.state != 'succeeded')
		)`,
		unitID.String(),
	).Scan(&unresolved)
	if err != nil {
		return false, fmt.Errorf("taskloom/sqlite: requirements satisfied: %w", err)
	}
	return !unresolved, nil
}

func (t *sqlTx) InsertUnit(ctx context.Context, u *unit.Unit, requirements []id.UnitID) error {
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
		err := t.q.QueryRowContext(ctx,
			`SELECT state FROM taskloom_work_units WHERE id = ?`,
			dep.String(),
		).Scan(&state)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: dependency %s", taskloom.ErrUnitNotFound, dep)
			}
			return fmt.Errorf("taskloom/sqlite: check dependency: %w", err)
		}
		if unit.State(state) != unit.StateSucceeded {
			satisfied = false
		}
	}

	state := u.State
	if !state.Terminal() {
		if satisfied {
			state = unit.StateReady
		} else {
			state = unit.StatePending
		}
		u.State = state
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := t.q.ExecContext(ctx, `
		INSERT INTO taskloom_work_units (
			id, kind, state, attempts, max_attempts,
			lease_holder, lease_expires_at, not_before, last_error,
			started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID.String(), u.Kind, string(state), u.Attempts, u.MaxAttempts,
		nullableString(u.LeaseHolder.String()), u.LeaseExpiresAt,
		nullableTime(u.NotBefore), u.LastError,
		u.StartedAt, u.CompletedAt, createdAt, now,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return taskloom.ErrUnitAlreadyExists
		}
		return fmt.Errorf("taskloom/sqlite: insert unit: %w", err)
	}

	if len(u.Payload) > 0 {
		_, err = t.q.ExecContext(ctx,
			`INSERT INTO taskloom_work_unit_payloads (unit_id, payload) VALUES (?, ?)`,
			u.ID.String(), u.Payload,
		)
		if err != nil {
			return fmt.Errorf("taskloom/sqlite: insert payload: %w", err)
		}
	}

	for _, dep := range requirements {
		_, err = t.q.ExecContext(ctx, `
			INSERT INTO taskloom_work_unit_requirements (dependent_id, dependency_id, created_at)
			VALUES (?, ?, ?)`,
			u.ID.String(), dep.String(), now,
		)
		if err != nil {
			return fmt.Errorf("taskloom/sqlite: insert requirement: %w", err)
		}
	}
	return nil
}

func (t *sqlTx) AddRequirement(ctx context.Context, dependent, dependency id.UnitID) error {
	if dependent == dependency {
		return taskloom.ErrSelfRequirement
	}

	for _, unitID := range []id.UnitID{dependent, dependency} {
		var exists bool
		err := t.q.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM taskloom_work_units WHERE id = ?)`,
			unitID.String(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("taskloom/sqlite: add requirement exists check: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", taskloom.ErrUnitNotFound, unitID)
		}
	}

	// The new edge dependent->dependency closes a cycle exactly when
	// dependent is already reachable from dependency.
	var cyclic bool
	err := t.q.QueryRowContext(ctx, `
		WITH RECURSIVE reach(uid) AS (
			SELECT dependency_id FROM taskloom_work_unit_requirements
			WHERE dependent_id = ?
			UNION
			SELECT r.dependency_id FROM taskloom_work_unit_requirements r
			JOIN reach ON r.dependent_id = reach.uid
		)
		SELECT EXISTS(SELECT 1 FROM reach WHERE uid = ?)`,
		dependency.String(), dependent.String(),
	).Scan(&cyclic)
	if err != nil {
		return fmt.Errorf("taskloom/sqlite: cycle check: %w", err)
	}
	if cyclic {
		return taskloom.ErrRequirementCycle
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO taskloom_work_unit_requirements (dependent_id, dependency_id, created_at)
		VALUES (?, ?, ?)`,
		dependent.String(), dependency.String(), time.Now().UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return taskloom.ErrDuplicateRequirement
		}
		return fmt.Errorf("taskloom/sqlite: insert requirement: %w", err)
	}

	// Re-gate the dependent when the new requirement is unresolved. Leased
	// units are left alone; their commit path re-evaluates requirements.
	_, err = t.q.ExecContext(ctx, `
		UPDATE taskloom_work_units
		SET state = 'pending', updated_at = ?
		WHERE id = ?
		  AND state IN ('ready', 'pending')
		  AND (SELECT state FROM taskloom_work_units WHERE id = ?) != 'succeeded'`,
		time.Now().UTC(), dependent.String(), dependency.String(),
	)
	if err != nil {
		return fmt.Errorf("taskloom/sqlite: re-gate dependent: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateLeased(ctx context.Context, u *unit.Unit, holder id.DispatcherID) error {
	// The holder guard: only the dispatcher that still owns the lease may
	// commit. An expired-but-unclaimed lease still passes; a re-claimed or
	// already-transitioned row does not.
	res, err := t.q.ExecContext(ctx, `
		UPDATE taskloom_work_units
		SET kind = ?, state = ?, attempts = ?, max_attempts = ?,
		    lease_holder = ?, lease_expires_at = ?, not_before = ?,
		    last_error = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'leased' AND lease_holder = ?`,
		u.Kind, string(u.State), u.Attempts, u.MaxAttempts,
		nullableString(u.LeaseHolder.String()), u.LeaseExpiresAt,
		nullableTime(u.NotBefore), u.LastError,
		u.StartedAt, u.CompletedAt, time.Now().UTC(),
		u.ID.String(), holder.String(),
	)
	if err != nil {
		return fmt.Errorf("taskloom/sqlite: update leased: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always returns nil
	if rows > 0 {
		return nil
	}

	var exists bool
	err = t.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM taskloom_work_units WHERE id = ?)`,
		u.ID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("taskloom/sqlite: update leased exists check: %w", err)
	}
	if !exists {
		return taskloom.ErrUnitNotFound
	}
	return taskloom.ErrLeaseLost
}

func (t *sqlTx) RecordException(ctx context.Context, e *unit.Exception) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO taskloom_work_exceptions (id, unit_id, kind, message, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.UnitID.String(), string(e.Kind), e.Message, e.Attempt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("taskloom/sqlite: record exception: %w", err)
	}
	return nil
}

func (t *sqlTx) PromoteDependents(ctx context.Context, dependency id.UnitID) (int, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE taskloom_work_units
		SET state = 'ready', updated_at = ?
		WHERE state = 'pending'
		  AND id IN (
			SELECT dependent_id FROM taskloom_work_unit_requirements
			WHERE dependency_id = ?
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM taskloom_work_unit_requirements r
			JOIN taskloom_work_units d ON d.id = r.dependency_id
			WHERE r.dependent_id = taskloom_work_units.id
			  AND d.state != 'succeeded'
		  )`,
		time.Now().UTC(), dependency.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("taskloom/sqlite: promote dependents: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always returns nil
	return int(rows), nil
}

func (t *sqlTx) ListExceptions(ctx context.Context, unitID id.UnitID) ([]*unit.Exception, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, unit_id, kind, message, attempt, created_at
		FROM taskloom_work_exceptions
		WHERE unit_id = ?
		ORDER BY created_at ASC, id ASC`,
		unitID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("taskloom/sqlite: list exceptions: %w", err)
	}
	defer rows.Close()

	var excs []*unit.Exception
	for rows.Next() {
		var (
			excID, uID, kind string
			message          sql.NullString
			attempt          int
			createdAt        time.Time
		)
		if err := rows.Scan(&excID, &uID, &kind, &message, &attempt, &createdAt); err != nil {
			return nil, fmt.Errorf("taskloom/sqlite: scan exception: %w", err)
		}
		parsedExcID, err := id.ParseExceptionID(excID)
		if err != nil {
			return nil, fmt.Errorf("taskloom/sqlite: parse exception id %q: %w", excID, err)
		}
		parsedUnitID, err := id.ParseUnitID(uID)
		if err != nil {
			return nil, fmt.Errorf("taskloom/sqlite: parse unit id %q: %w", uID, err)
		}
		excs = append(excs, &unit.Exception{
			ID:        parsedExcID,
			UnitID:    parsedUnitID,
			Kind:      unit.ExceptionKind(kind),
			Message:   message.String,
			Attempt:   attempt,
			CreatedAt: createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskloom/sqlite: list exceptions: %w", err)
	}
	return excs, nil
}
