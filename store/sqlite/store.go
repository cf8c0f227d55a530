// Package sqlitestore implements unit.Store on SQLite via database/sql and
// mattn/go-sqlite3. Single-process deployments get durable state without a
// database server; WAL mode keeps reads concurrent with the single writer.
//
// Leases still work across restarts of the one process, but SQLite's
// single-writer model means this backend is not meant for multiple engine
// processes sharing a file.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/unit"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

var _ unit.Store = (*Store)(nil)

// Store provides durable unit storage in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path. Use
// ":memory:" for an ephemeral database. Pragmas and schema are applied
// automatically; the function is idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("taskloom/sqlite: open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskloom/sqlite: connect: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY instead of retrying around it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("taskloom/sqlite: execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("taskloom/sqlite: execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("taskloom/sqlite: get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("taskloom/sqlite: set user_version: %w", err)
		}
	}
	return nil
}

// DB returns the underlying sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate is a no-op; Open already applies the schema.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn inside one database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx unit.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("taskloom/sqlite: begin tx: %w", err)
	}
	if err := fn(&sqlTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("taskloom/sqlite: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("taskloom/sqlite: commit: %w", err)
	}
	return nil
}

// isDuplicateKey reports whether err is a unique or primary key violation.
func isDuplicateKey(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// ── Single-call Tx operations ─────────────────────────────────────

// GetUnit retrieves a unit, payload included.
func (s *Store) GetUnit(ctx context.Context, unitID id.UnitID) (*unit.Unit, error) {
	return (&sqlTx{q: s.db}).GetUnit(ctx, unitID)
}

// RequirementsSatisfied reports whether all of the unit's dependencies
// have succeeded.
func (s *Store) RequirementsSatisfied(ctx context.Context, unitID id.UnitID) (bool, error) {
	return (&sqlTx{q: s.db}).RequirementsSatisfied(ctx, unitID)
}

// ListExceptions returns the unit's exception log, oldest first.
func (s *Store) ListExceptions(ctx context.Context, unitID id.UnitID) ([]*unit.Exception, error) {
	return (&sqlTx{q: s.db}).ListExceptions(ctx, unitID)
}

// InsertUnit persists a new unit as a single-call transaction.
func (s *Store) InsertUnit(ctx context.Context, u *unit.Unit, requirements []id.UnitID) error {
	return s.InTx(ctx, func(tx unit.Tx) error { return tx.InsertUnit(ctx, u, requirements) })
}

// AddRequirement inserts an edge as a single-call transaction.
func (s *Store) AddRequirement(ctx context.Context, dependent, dependency id.UnitID) error {
	return s.InTx(ctx, func(tx unit.Tx) error { return tx.AddRequirement(ctx, dependent, dependency) })
}

// UpdateLeased persists u under the holder guard as a single-call
// transaction.
func (s *Store) UpdateLeased(ctx context.Context, u *unit.Unit, holder id.DispatcherID) error {
	return s.InTx(ctx, func(tx unit.Tx) error { return tx.UpdateLeased(ctx, u, holder) })
}

// RecordException appends an exception as a single-call transaction.
func (s *Store) RecordException(ctx context.Context, e *unit.Exception) error {
	return s.InTx(ctx, func(tx unit.Tx) error { return tx.RecordException(ctx, e) })
}

// PromoteDependents promotes eligible dependents as a single-call
// transaction.
func (s *Store) PromoteDependents(ctx context.Context, dependency id.UnitID) (int, error) {
	var promoted int
	err := s.InTx(ctx, func(tx unit.Tx) error {
		var txErr error
		promoted, txErr = tx.PromoteDependents(ctx, dependency)
		return txErr
	})
	return promoted, err
}

// ── Dispatch and operator queries ─────────────────────────────────

// ReadyUnits returns dispatchable units, FIFO by creation time.
func (s *Store) ReadyUnits(ctx context.Context, limit int) ([]*unit.Unit, error) {
	now := time.Now().UTC()
	query := selectUnitColumns + `
		FROM taskloom_work_units u
		LEFT JOIN taskloom_work_unit_payloads p ON p.unit_id = u.id
		WHERE (u.not_before IS NULL OR u.not_before <= ?)
		  AND (u.state = 'ready' OR (u.state = 'leased' AND u.lease_expires_at <= ?))
		ORDER BY u.created_at ASC, u.id ASC`
	args := []any{now, now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskloom/sqlite: ready units: %w", err)
	}
	defer rows.Close()
	return scanUnits(rows)
}

// AcquireLease attempts an exclusive time-bounded claim via a single
// conditional update. The single-writer connection serializes claimants,
// so exactly one sees rows-affected = 1.
func (s *Store) AcquireLease(ctx context.Context, unitID id.UnitID, holder id.DispatcherID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE taskloom_work_units
		SET state = 'leased',
		    lease_holder = ?,
		    lease_expires_at = ?,
		    started_at = COALESCE(started_at, ?),
		    updated_at = ?
		WHERE id = ?
		  AND (not_before IS NULL OR not_before <= ?)
		  AND (state = 'ready' OR (state = 'leased' AND lease_expires_at <= ?))`,
		holder.String(), now.Add(ttl), now, now, unitID.String(), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("taskloom/sqlite: acquire lease: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always returns nil
	if rows > 0 {
		return true, nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM taskloom_work_units WHERE id = ?)`,
		unitID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("taskloom/sqlite: acquire lease exists check: %w", err)
	}
	if !exists {
		return false, taskloom.ErrUnitNotFound
	}
	return false, nil
}

// ExpiredLeases returns leased units whose claim has lapsed.
func (s *Store) ExpiredLeases(ctx context.Context, limit int) ([]*unit.Unit, error) {
	query := selectUnitColumns + `
		FROM taskloom_work_units u
		LEFT JOIN taskloom_work_unit_payloads p ON p.unit_id = u.id
		WHERE u.state = 'leased' AND u.lease_expires_at <= ?
		ORDER BY u.created_at ASC`
	args := []any{time.Now().UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskloom/sqlite: expired leases: %w", err)
	}
	defer rows.Close()
	return scanUnits(rows)
}

// ListUnitsByState returns units in the given state, oldest first.
func (s *Store) ListUnitsByState(ctx context.Context, state unit.State, opts unit.ListOpts) ([]*unit.Unit, error) {
	query := selectUnitColumns + `
		FROM taskloom_work_units u
		LEFT JOIN taskloom_work_unit_payloads p ON p.unit_id = u.id
		WHERE u.state = ?
		ORDER BY u.created_at ASC, u.id ASC`
	args := []any{string(state)}
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit == 0 {
			limit = -1 // SQLite: no limit, offset still applies
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskloom/sqlite: list units by state: %w", err)
	}
	defer rows.Close()
	return scanUnits(rows)
}

// CountUnits returns the number of units in the given state. An empty
// state counts all units.
func (s *Store) CountUnits(ctx context.Context, state unit.State) (int64, error) {
	var (
		count int64
		err   error
	)
	if state == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM taskloom_work_units`,
		).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM taskloom_work_units WHERE state = ?`,
			string(state),
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("taskloom/sqlite: count units: %w", err)
	}
	return count, nil
}

// MarkFeasible is the operator path: INFEASIBLE back to READY with the
// attempt count cleared.
func (s *Store) MarkFeasible(ctx context.Context, unitID id.UnitID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE taskloom_work_units
		SET state = 'ready',
		    attempts = 0,
		    not_before = NULL,
		    last_error = '',
		    lease_holder = NULL,
		    lease_expires_at = NULL,
		    updated_at = ?
		WHERE id = ? AND state = 'infeasible'`,
		time.Now().UTC(), unitID.String(),
	)
	if err != nil {
		return fmt.Errorf("taskloom/sqlite: mark feasible: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always returns nil
	if rows > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM taskloom_work_units WHERE id = ?)`,
		unitID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("taskloom/sqlite: mark feasible exists check: %w", err)
	}
	if !exists {
		return taskloom.ErrUnitNotFound
	}
	return taskloom.ErrNotInfeasible
}
