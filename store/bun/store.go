package bunstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/unit"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ensure Store implements the persistence contract at compile time.
var _ unit.Store = (*Store)(nil)

// Store is a Bun ORM implementation of unit.Store using PostgreSQL dialect.
// The caller owns the *bun.DB lifecycle; Store never closes it.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new Bun store. The caller owns the db lifecycle — the Store
// will not close it on Close().
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate runs all embedded SQL migration files in order.
func (s *Store) Migrate(ctx context.Context) error {
	// Create migrations tracking table.
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS taskloom_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("taskloom/bun: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("taskloom/bun: read migrations: %w", err)
	}

	// Sort by filename for deterministic order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		err = s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM taskloom_migrations WHERE filename = ?)`,
			entry.Name(),
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("taskloom/bun: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, readErr := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if readErr != nil {
			return fmt.Errorf("taskloom/bun: read migration %s: %w", entry.Name(), readErr)
		}

		_, execErr := s.db.ExecContext(ctx, string(data))
		if execErr != nil {
			return fmt.Errorf("taskloom/bun: execute migration %s: %w", entry.Name(), execErr)
		}

		_, recErr := s.db.ExecContext(ctx,
			`INSERT INTO taskloom_migrations (filename) VALUES (?)`,
			entry.Name(),
		)
		if recErr != nil {
			return fmt.Errorf("taskloom/bun: record migration %s: %w", entry.Name(), recErr)
		}

		s.logger.Info("applied migration", "file", entry.Name())
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op because the caller owns the *bun.DB lifecycle.
func (s *Store) Close() error {
	return nil
}

// InTx runs fn inside one database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx unit.Tx) error) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return fn(&bunTx{idb: tx})
	})
}

// ── Single-call Tx operations ─────────────────────────────────────

// GetUnit retrieves a unit, payload included.
func (s *Store) GetUnit(ctx context.Context, unitID id.UnitID) (*unit.Unit, error) {
	return (&bunTx{idb: s.db}).GetUnit(ctx, unitID)
}

// RequirementsSatisfied reports whether all of the unit's dependencies
// have succeeded.
func (s *Store) RequirementsSatisfied(ctx context.Context, unitID id.UnitID) (bool, error) {
	return (&bunTx{idb: s.db}).RequirementsSatisfied(ctx, unitID)
}

// ListExceptions returns the unit's exception log, oldest first.
func (s *Store) ListExceptions(ctx context.Context, unitID id.UnitID) ([]*unit.Exception, error) {
	return (&bunTx{idb: s.db}).ListExceptions(ctx, unitID)
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

// ReadyUnits returns dispatchable units, FIFO by creation time. The
// dispatchable predicate matches AcquireLease exactly: READY past the
// not_before gate, or LEASED with an expired claim.
func (s *Store) ReadyUnits(ctx context.Context, limit int) ([]*unit.Unit, error) {
	var models []unitModel
	q := s.db.NewSelect().Model(&models).
		ColumnExpr("u.*").
		ColumnExpr("p.payload AS payload").
		Join("LEFT JOIN taskloom_work_unit_payloads AS p ON p.unit_id = u.id").
		Where("(u.not_before IS NULL OR u.not_before <= NOW())").
		Where("(u.state = 'ready' OR (u.state = 'leased' AND u.lease_expires_at <= NOW()))").
		Order("u.created_at ASC", "u.id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("taskloom/bun: ready units: %w", err)
	}
	return fromUnitModels(models)
}

// AcquireLease attempts an exclusive time-bounded claim via a single
// conditional update. Concurrent claimants race on the row; the database
// serializes them, so exactly one sees rows-affected = 1.
func (s *Store) AcquireLease(ctx context.Context, unitID id.UnitID, holder id.DispatcherID, ttl time.Duration) (bool, error) {
	res, err := s.db.NewUpdate().
		TableExpr("taskloom_work_units").
		Set("state = 'leased'").
		Set("lease_holder = ?", holder.String()).
		Set("lease_expires_at = NOW() + ?::interval", ttl.String()).
		Set("started_at = COALESCE(started_at, NOW())").
		Set("updated_at = NOW()").
		Where("id = ?", unitID.String()).
		Where("(not_before IS NULL OR not_before <= NOW())").
		Where("(state = 'ready' OR (state = 'leased' AND lease_expires_at <= NOW()))").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("taskloom/bun: acquire lease: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return true, nil
	}

	// Distinguish a lost race from a missing unit.
	exists, err := s.db.NewSelect().
		TableExpr("taskloom_work_units").
		Where("id = ?", unitID.String()).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("taskloom/bun: acquire lease exists check: %w", err)
	}
	if !exists {
		return false, taskloom.ErrUnitNotFound
	}
	return false, nil
}

// ExpiredLeases returns leased units whose claim has lapsed.
func (s *Store) ExpiredLeases(ctx context.Context, limit int) ([]*unit.Unit, error) {
	var models []unitModel
	q := s.db.NewSelect().Model(&models).
		Where("u.state = 'leased'").
		Where("u.lease_expires_at <= NOW()").
		Order("u.created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("taskloom/bun: expired leases: %w", err)
	}
	return fromUnitModels(models)
}

// ListUnitsByState returns units in the given state, oldest first.
func (s *Store) ListUnitsByState(ctx context.Context, state unit.State, opts unit.ListOpts) ([]*unit.Unit, error) {
	var models []unitModel
	q := s.db.NewSelect().Model(&models).
		ColumnExpr("u.*").
		ColumnExpr("p.payload AS payload").
		Join("LEFT JOIN taskloom_work_unit_payloads AS p ON p.unit_id = u.id").
		Where("u.state = ?", string(state)).
		Order("u.created_at ASC", "u.id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("taskloom/bun: list units by state: %w", err)
	}
	return fromUnitModels(models)
}

// CountUnits returns the number of units in the given state. An empty
// state counts all units.
func (s *Store) CountUnits(ctx context.Context, state unit.State) (int64, error) {
	q := s.db.NewSelect().TableExpr("taskloom_work_units")
	if state != "" {
		q = q.Where("state = ?", string(state))
	}
	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("taskloom/bun: count units: %w", err)
	}
	return int64(count), nil
}

// MarkFeasible is the operator path: INFEASIBLE back to READY with the
// attempt count cleared. The state guard runs in the same statement, so
// a concurrent transition cannot be overwritten.
func (s *Store) MarkFeasible(ctx context.Context, unitID id.UnitID) error {
	res, err := s.db.NewUpdate().
		TableExpr("taskloom_work_units").
		Set("state = 'ready'").
		Set("attempts = 0").
		Set("not_before = NULL").
		Set("last_error = ''").
		Set("lease_holder = ''").
		Set("lease_expires_at = NULL").
		Set("updated_at = NOW()").
		Where("id = ?", unitID.String()).
		Where("state = 'infeasible'").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("taskloom/bun: mark feasible: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return nil
	}

	exists, err := s.db.NewSelect().
		TableExpr("taskloom_work_units").
		Where("id = ?", unitID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("taskloom/bun: mark feasible exists check: %w", err)
	}
	if !exists {
		return taskloom.ErrUnitNotFound
	}
	return taskloom.ErrNotInfeasible
}
