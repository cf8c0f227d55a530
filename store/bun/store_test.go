//go:build integration

package bunstore_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	bunstore "github.com/taskloom/taskloom/store/bun"
	"github.com/taskloom/taskloom/unit"
)

// setupTestStore creates a Postgres container and returns a connected Bun Store.
func setupTestStore(t *testing.T) *bunstore.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("taskloom_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	db := bun.NewDB(sqldb, pgdialect.New())

	t.Cleanup(func() {
		_ = db.Close()
	})

	store := bunstore.New(db, bunstore.WithLogger(slog.Default()))

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

func newUnit(kind string) *unit.Unit {
	return &unit.Unit{
		Entity:      taskloom.NewEntity(),
		ID:          id.NewUnitID(),
		Kind:        kind,
		Payload:     []byte(`{"key":"value"}`),
		State:       unit.StateReady,
		MaxAttempts: 3,
	}
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	// Second migrate should be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Unit CRUD and requirements
// ──────────────────────────────────────────────────

func TestStore_InsertAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := newUnit("send-email")
	if err := s.InsertUnit(ctx, u, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if dupErr := s.InsertUnit(ctx, u, nil); !errors.Is(dupErr, taskloom.ErrUnitAlreadyExists) {
		t.Fatalf("expected ErrUnitAlreadyExists, got: %v", dupErr)
	}

	got, err := s.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != "send-email" {
		t.Fatalf("expected kind send-email, got %s", got.Kind)
	}
	if string(got.Payload) != `{"key":"value"}` {
		t.Fatalf("payload not round-tripped: %q", got.Payload)
	}
	if got.State != unit.StateReady {
		t.Fatalf("expected ready, got %s", got.State)
	}

	if _, err := s.GetUnit(ctx, id.NewUnitID()); !errors.Is(err, taskloom.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got: %v", err)
	}
}

func TestStore_RequirementGating(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	dep := newUnit("extract")
	if err := s.InsertUnit(ctx, dep, nil); err != nil {
		t.Fatalf("insert dependency: %v", err)
	}
	child := newUnit("transform")
	if err := s.InsertUnit(ctx, child, []id.UnitID{dep.ID}); err != nil {
		t.Fatalf("insert dependent: %v", err)
	}

	got, err := s.GetUnit(ctx, child.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != unit.StatePending {
		t.Fatalf("expected pending while dependency outstanding, got %s", got.State)
	}

	satisfied, err := s.RequirementsSatisfied(ctx, child.ID)
	if err != nil {
		t.Fatalf("requirements satisfied: %v", err)
	}
	if satisfied {
		t.Fatal("requirements reported satisfied before dependency succeeded")
	}

	// Succeed the dependency through the lease path and promote.
	holder := id.NewDispatcherID()
	ok, err := s.AcquireLease(ctx, dep.ID, holder, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	fresh, err := s.GetUnit(ctx, dep.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	fresh.State = unit.StateSucceeded
	fresh.ClearLease()
	if err := s.UpdateLeased(ctx, fresh, holder); err != nil {
		t.Fatalf("update leased: %v", err)
	}

	n, err := s.PromoteDependents(ctx, dep.ID)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}

	got, err = s.GetUnit(ctx, child.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != unit.StateReady {
		t.Fatalf("expected ready after promotion, got %s", got.State)
	}
}

func TestStore_AddRequirementCycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := newUnit("a")
	b := newUnit("b")
	c := newUnit("c")
	for _, u := range []*unit.Unit{a, b, c} {
		if err := s.InsertUnit(ctx, u, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := s.AddRequirement(ctx, a.ID, b.ID); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := s.AddRequirement(ctx, b.ID, c.ID); err != nil {
		t.Fatalf("b->c: %v", err)
	}
	if err := s.AddRequirement(ctx, a.ID, b.ID); !errors.Is(err, taskloom.ErrDuplicateRequirement) {
		t.Fatalf("expected ErrDuplicateRequirement, got: %v", err)
	}
	if err := s.AddRequirement(ctx, a.ID, a.ID); !errors.Is(err, taskloom.ErrSelfRequirement) {
		t.Fatalf("expected ErrSelfRequirement, got: %v", err)
	}
	if err := s.AddRequirement(ctx, c.ID, a.ID); !errors.Is(err, taskloom.ErrRequirementCycle) {
		t.Fatalf("expected ErrRequirementCycle for transitive cycle, got: %v", err)
	}

	// The unresolved edge re-gated a.
	got, err := s.GetUnit(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != unit.StatePending {
		t.Fatalf("expected pending after re-gating, got %s", got.State)
	}
}

// ──────────────────────────────────────────────────
// Leasing
// ──────────────────────────────────────────────────

func TestStore_AcquireLeaseExclusive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := newUnit("contested")
	if err := s.InsertUnit(ctx, u, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AcquireLease(ctx, u.ID, id.NewDispatcherID(), time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 lease winner, got %d", wins)
	}
}

func TestStore_LeaseLostOnTakeover(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := newUnit("slow")
	if err := s.InsertUnit(ctx, u, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first := id.NewDispatcherID()
	ok, err := s.AcquireLease(ctx, u.ID, first, time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	time.Sleep(50 * time.Millisecond)

	stuck, err := s.ExpiredLeases(ctx, 10)
	if err != nil {
		t.Fatalf("expired leases: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("expected 1 expired lease, got %d", len(stuck))
	}

	second := id.NewDispatcherID()
	ok, err = s.AcquireLease(ctx, u.ID, second, time.Minute)
	if err != nil || !ok {
		t.Fatalf("takeover claim: ok=%v err=%v", ok, err)
	}

	fresh, err := s.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	fresh.State = unit.StateSucceeded
	fresh.ClearLease()
	if err := s.UpdateLeased(ctx, fresh, first); !errors.Is(err, taskloom.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for stale holder, got: %v", err)
	}
	if err := s.UpdateLeased(ctx, fresh, second); err != nil {
		t.Fatalf("current holder commit: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

func TestStore_InTxRollback(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	phantom := newUnit("phantom")

	err := s.InTx(ctx, func(tx unit.Tx) error {
		if err := tx.InsertUnit(ctx, phantom, nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got: %v", err)
	}

	if _, err := s.GetUnit(ctx, phantom.ID); !errors.Is(err, taskloom.ErrUnitNotFound) {
		t.Fatalf("insert survived rollback: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Exceptions and operator path
// ──────────────────────────────────────────────────

func TestStore_ExceptionsAndMarkFeasible(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := newUnit("flaky")
	if err := s.InsertUnit(ctx, u, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	holder := id.NewDispatcherID()
	ok, err := s.AcquireLease(ctx, u.ID, holder, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	err = s.InTx(ctx, func(tx unit.Tx) error {
		if err := tx.RecordException(ctx, &unit.Exception{
			ID:      id.NewExceptionID(),
			UnitID:  u.ID,
			Kind:    unit.KindPermanent,
			Message: "bad payload",
			Attempt: 1,
		}); err != nil {
			return err
		}
		fresh, err := tx.GetUnit(ctx, u.ID)
		if err != nil {
			return err
		}
		fresh.State = unit.StateInfeasible
		fresh.Attempts = 1
		fresh.LastError = "bad payload"
		fresh.ClearLease()
		return tx.UpdateLeased(ctx, fresh, holder)
	})
	if err != nil {
		t.Fatalf("commit failure: %v", err)
	}

	excs, err := s.ListExceptions(ctx, u.ID)
	if err != nil {
		t.Fatalf("list exceptions: %v", err)
	}
	if len(excs) != 1 || excs[0].Kind != unit.KindPermanent {
		t.Fatalf("unexpected exception log: %+v", excs)
	}

	infeasible, err := s.ListUnitsByState(ctx, unit.StateInfeasible, unit.ListOpts{})
	if err != nil {
		t.Fatalf("list infeasible: %v", err)
	}
	if len(infeasible) != 1 {
		t.Fatalf("expected 1 infeasible unit, got %d", len(infeasible))
	}

	if err := s.MarkFeasible(ctx, u.ID); err != nil {
		t.Fatalf("mark feasible: %v", err)
	}
	got, err := s.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != unit.StateReady || got.Attempts != 0 {
		t.Fatalf("operator reset incomplete: state=%s attempts=%d", got.State, got.Attempts)
	}

	if err := s.MarkFeasible(ctx, u.ID); !errors.Is(err, taskloom.ErrNotInfeasible) {
		t.Fatalf("expected ErrNotInfeasible on ready unit, got: %v", err)
	}
}

func TestStore_ReadyUnitsFIFO(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	var want []string
	for i := range 3 {
		u := newUnit("ordered")
		u.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.InsertUnit(ctx, u, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
		want = append(want, u.ID.String())
	}

	got, err := s.ReadyUnits(ctx, 10)
	if err != nil {
		t.Fatalf("ready units: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 ready units, got %d", len(got))
	}
	for i, u := range got {
		if u.ID.String() != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, u.ID, want[i])
		}
	}
}
