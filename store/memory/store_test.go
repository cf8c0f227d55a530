package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/unit"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Insert and get
// ──────────────────────────────────────────────────

func newUnit(kind string) *unit.Unit {
	return &unit.Unit{
		Entity:      taskloom.NewEntity(),
		ID:          id.NewUnitID(),
		Kind:        kind,
		Payload:     []byte(`{"test":true}`),
		State:       unit.StateReady,
		MaxAttempts: 3,
	}
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	u := newUnit("send-email")

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
	}{
		{
			name:    "insert new unit",
			fn:      func() error { return s.InsertUnit(ctx, u, nil) },
			wantErr: nil,
		},
		{
			name:    "insert duplicate unit",
			fn:      func() error { return s.InsertUnit(ctx, u, nil) },
			wantErr: taskloom.ErrUnitAlreadyExists,
		},
		{
			name: "insert with missing dependency",
			fn: func() error {
				return s.InsertUnit(ctx, newUnit("orphan"), []id.UnitID{id.NewUnitID()})
			},
			wantErr: taskloom.ErrUnitNotFound,
		},
		{
			name: "insert with self dependency",
			fn: func() error {
				self := newUnit("self")
				return s.InsertUnit(ctx, self, []id.UnitID{self.ID})
			},
			wantErr: taskloom.ErrSelfRequirement,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, err := s.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if got.Kind != u.Kind {
		t.Fatalf("got kind %q, want %q", got.Kind, u.Kind)
	}
	if string(got.Payload) != `{"test":true}` {
		t.Fatalf("payload not round-tripped: %q", got.Payload)
	}
	if got.State != unit.StateReady {
		t.Fatalf("got state %q, want ready", got.State)
	}

	_, err = s.GetUnit(ctx, id.NewUnitID())
	if !errors.Is(err, taskloom.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestInsertWithUnresolvedRequirementStartsPending(t *testing.T) {
	t.Parallel()
	s := New()
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
		t.Fatalf("GetUnit: %v", err)
	}
	if got.State != unit.StatePending {
		t.Fatalf("got state %q, want pending", got.State)
	}
}

func TestInsertWithSucceededRequirementStartsReady(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	dep := newUnit("extract")
	dep.State = unit.StateSucceeded
	if err := s.InsertUnit(ctx, dep, nil); err != nil {
		t.Fatalf("insert dependency: %v", err)
	}

	// InsertUnit recomputes the initial state from requirements; an
	// already-succeeded dependency leaves nothing to wait on.
	child := newUnit("transform")
	if err := s.InsertUnit(ctx, child, []id.UnitID{dep.ID}); err != nil {
		t.Fatalf("insert dependent: %v", err)
	}

	got, err := s.GetUnit(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if got.State != unit.StateReady {
		t.Fatalf("got state %q, want ready", got.State)
	}
}

// ──────────────────────────────────────────────────
// Requirements
// ──────────────────────────────────────────────────

func TestAddRequirement(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	a := newUnit("a")
	b := newUnit("b")
	c := newUnit("c")
	for _, u := range []*unit.Unit{a, b, c} {
		if err := s.InsertUnit(ctx, u, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	tests := []struct {
		name                  string
		dependent, dependency id.UnitID
		wantErr               error
	}{
		{"a requires b", a.ID, b.ID, nil},
		{"duplicate edge", a.ID, b.ID, taskloom.ErrDuplicateRequirement},
		{"self edge", a.ID, a.ID, taskloom.ErrSelfRequirement},
		{"b requires c", b.ID, c.ID, nil},
		{"direct cycle", b.ID, a.ID, taskloom.ErrRequirementCycle},
		{"transitive cycle", c.ID, a.ID, taskloom.ErrRequirementCycle},
		{"unknown dependent", id.NewUnitID(), b.ID, taskloom.ErrUnitNotFound},
		{"unknown dependency", a.ID, id.NewUnitID(), taskloom.ErrUnitNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AddRequirement(ctx, tt.dependent, tt.dependency)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Adding the unresolved edge must have demoted a back to pending.
	got, err := s.GetUnit(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if got.State != unit.StatePending {
		t.Fatalf("dependent not re-gated: got %q, want pending", got.State)
	}
}

func TestPromoteDependents(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	dep1 := newUnit("dep1")
	dep2 := newUnit("dep2")
	child := newUnit("child")
	for _, u := range []*unit.Unit{dep1, dep2} {
		if err := s.InsertUnit(ctx, u, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.InsertUnit(ctx, child, []id.UnitID{dep1.ID, dep2.ID}); err != nil {
		t.Fatalf("insert child: %v", err)
	}

	succeed := func(u *unit.Unit) {
		t.Helper()
		holder := id.NewDispatcherID()
		ok, err := s.AcquireLease(ctx, u.ID, holder, time.Minute)
		if err != nil || !ok {
			t.Fatalf("acquire lease: ok=%v err=%v", ok, err)
		}
		fresh, err := s.GetUnit(ctx, u.ID)
		if err != nil {
			t.Fatalf("GetUnit: %v", err)
		}
		fresh.State = unit.StateSucceeded
		fresh.ClearLease()
		if err := s.UpdateLeased(ctx, fresh, holder); err != nil {
			t.Fatalf("UpdateLeased: %v", err)
		}
	}

	succeed(dep1)
	n, err := s.PromoteDependents(ctx, dep1.ID)
	if err != nil {
		t.Fatalf("PromoteDependents: %v", err)
	}
	if n != 0 {
		t.Fatalf("promoted %d units with one requirement outstanding, want 0", n)
	}

	succeed(dep2)
	n, err = s.PromoteDependents(ctx, dep2.ID)
	if err != nil {
		t.Fatalf("PromoteDependents: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d units, want 1", n)
	}

	got, err := s.GetUnit(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if got.State != unit.StateReady {
		t.Fatalf("got state %q, want ready", got.State)
	}
}

// ──────────────────────────────────────────────────
// Leasing
// ──────────────────────────────────────────────────

func TestAcquireLeaseExclusive(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	u := newUnit("contested")
	if err := s.InsertUnit(ctx, u, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const racers = 16
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
				t.Errorf("AcquireLease: %v", err)
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
		t.Fatalf("got %d lease winners, want exactly 1", wins)
	}
}

func TestAcquireLeaseStates(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	holder := id.NewDispatcherID()

	pending := newUnit("pending")
	depOf := newUnit("dep")
	if err := s.InsertUnit(ctx, depOf, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertUnit(ctx, pending, []id.UnitID{depOf.ID}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	deferred := newUnit("deferred")
	deferred.NotBefore = time.Now().UTC().Add(time.Hour)
	if err := s.InsertUnit(ctx, deferred, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tests := []struct {
		name   string
		unitID id.UnitID
		want   bool
	}{
		{"pending unit is not claimable", pending.ID, false},
		{"unit behind not_before is not claimable", deferred.ID, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := s.AcquireLease(ctx, tt.unitID, holder, time.Minute)
			if err != nil {
				t.Fatalf("AcquireLease: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("got acquired=%v, want %v", ok, tt.want)
			}
		})
	}

	_, err := s.AcquireLease(ctx, id.NewUnitID(), holder, time.Minute)
	if !errors.Is(err, taskloom.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	t.Parallel()
	s := New()
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
	time.Sleep(5 * time.Millisecond)

	stuck, err := s.ExpiredLeases(ctx, 10)
	if err != nil {
		t.Fatalf("ExpiredLeases: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != u.ID {
		t.Fatalf("expected one expired lease for %s, got %d", u.ID, len(stuck))
	}

	second := id.NewDispatcherID()
	ok, err = s.AcquireLease(ctx, u.ID, second, time.Minute)
	if err != nil || !ok {
		t.Fatalf("takeover claim: ok=%v err=%v", ok, err)
	}

	// The original holder's commit must now fail.
	fresh, err := s.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	fresh.State = unit.StateSucceeded
	fresh.ClearLease()
	if err := s.UpdateLeased(ctx, fresh, first); !errors.Is(err, taskloom.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for stale holder, got %v", err)
	}
	// The current holder's commit succeeds.
	if err := s.UpdateLeased(ctx, fresh, second); err != nil {
		t.Fatalf("UpdateLeased for current holder: %v", err)
	}
}

func TestUpdateLeasedRequiresLease(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	u := newUnit("unleased")
	if err := s.InsertUnit(ctx, u, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := s.UpdateLeased(ctx, u, id.NewDispatcherID())
	if !errors.Is(err, taskloom.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on unleased unit, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// ReadyUnits
// ──────────────────────────────────────────────────

func TestReadyUnitsFIFO(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	var want []string
	for i := range 5 {
		u := newUnit("ordered")
		u.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.InsertUnit(ctx, u, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
		want = append(want, u.ID.String())
	}

	got, err := s.ReadyUnits(ctx, 10)
	if err != nil {
		t.Fatalf("ReadyUnits: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d units, want %d", len(got), len(want))
	}
	for i, u := range got {
		if u.ID.String() != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, u.ID, want[i])
		}
	}

	limited, err := s.ReadyUnits(ctx, 2)
	if err != nil {
		t.Fatalf("ReadyUnits limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("got %d units with limit 2", len(limited))
	}
}

func TestReadyUnitsExcludesIneligible(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	ready := newUnit("ready")
	deferred := newUnit("deferred")
	deferred.NotBefore = time.Now().UTC().Add(time.Hour)
	done := newUnit("done")
	done.State = unit.StateSucceeded
	for _, u := range []*unit.Unit{ready, deferred, done} {
		if err := s.InsertUnit(ctx, u, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.ReadyUnits(ctx, 10)
	if err != nil {
		t.Fatalf("ReadyUnits: %v", err)
	}
	if len(got) != 1 || got[0].ID != ready.ID {
		t.Fatalf("expected only the ready unit, got %d units", len(got))
	}
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

func TestInTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	boom := errors.New("boom")
	inserted := newUnit("phantom")

	err := s.InTx(ctx, func(tx unit.Tx) error {
		if err := tx.InsertUnit(ctx, inserted, nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := s.GetUnit(ctx, inserted.ID); !errors.Is(err, taskloom.ErrUnitNotFound) {
		t.Fatalf("insert survived rollback: %v", err)
	}
}

func TestInTxCommitIsAtomic(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	parent := newUnit("parent")
	if err := s.InsertUnit(ctx, parent, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	holder := id.NewDispatcherID()
	if ok, err := s.AcquireLease(ctx, parent.ID, holder, time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Terminal transition plus a spawned dependent in one transaction.
	child := newUnit("spawned")
	err := s.InTx(ctx, func(tx unit.Tx) error {
		fresh, err := tx.GetUnit(ctx, parent.ID)
		if err != nil {
			return err
		}
		fresh.State = unit.StateSucceeded
		fresh.ClearLease()
		if err := tx.UpdateLeased(ctx, fresh, holder); err != nil {
			return err
		}
		return tx.InsertUnit(ctx, child, nil)
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	gotParent, err := s.GetUnit(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetUnit parent: %v", err)
	}
	if gotParent.State != unit.StateSucceeded {
		t.Fatalf("parent state %q, want succeeded", gotParent.State)
	}
	if _, err := s.GetUnit(ctx, child.ID); err != nil {
		t.Fatalf("spawned child missing after commit: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Exceptions and operator path
// ──────────────────────────────────────────────────

func TestExceptionLog(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	u := newUnit("flaky")
	if err := s.InsertUnit(ctx, u, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		exc := &unit.Exception{
			ID:      id.NewExceptionID(),
			UnitID:  u.ID,
			Kind:    unit.KindTransient,
			Message: "connection refused",
			Attempt: attempt,
		}
		if err := s.RecordException(ctx, exc); err != nil {
			t.Fatalf("RecordException: %v", err)
		}
	}

	excs, err := s.ListExceptions(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListExceptions: %v", err)
	}
	if len(excs) != 3 {
		t.Fatalf("got %d exceptions, want 3", len(excs))
	}
	for i, e := range excs {
		if e.Attempt != i+1 {
			t.Fatalf("exception %d has attempt %d, want %d", i, e.Attempt, i+1)
		}
	}
}

func TestMarkFeasible(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	u := newUnit("broken")
	if err := s.InsertUnit(ctx, u, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.MarkFeasible(ctx, u.ID); !errors.Is(err, taskloom.ErrNotInfeasible) {
		t.Fatalf("expected ErrNotInfeasible on ready unit, got %v", err)
	}

	holder := id.NewDispatcherID()
	if ok, err := s.AcquireLease(ctx, u.ID, holder, time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	fresh, err := s.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	fresh.State = unit.StateInfeasible
	fresh.Attempts = 3
	fresh.LastError = "permanent: bad payload"
	fresh.ClearLease()
	if err := s.UpdateLeased(ctx, fresh, holder); err != nil {
		t.Fatalf("UpdateLeased: %v", err)
	}

	if err := s.MarkFeasible(ctx, u.ID); err != nil {
		t.Fatalf("MarkFeasible: %v", err)
	}

	got, err := s.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if got.State != unit.StateReady {
		t.Fatalf("state %q, want ready", got.State)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts %d, want 0 after operator reset", got.Attempts)
	}
	if got.LastError != "" {
		t.Fatalf("last error not cleared: %q", got.LastError)
	}

	if err := s.MarkFeasible(ctx, id.NewUnitID()); !errors.Is(err, taskloom.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestListAndCountByState(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for range 3 {
		if err := s.InsertUnit(ctx, newUnit("r"), nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	done := newUnit("d")
	done.State = unit.StateSucceeded
	if err := s.InsertUnit(ctx, done, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := s.CountUnits(ctx, unit.StateReady)
	if err != nil {
		t.Fatalf("CountUnits: %v", err)
	}
	if n != 3 {
		t.Fatalf("counted %d ready units, want 3", n)
	}
	total, err := s.CountUnits(ctx, "")
	if err != nil {
		t.Fatalf("CountUnits all: %v", err)
	}
	if total != 4 {
		t.Fatalf("counted %d total units, want 4", total)
	}

	page, err := s.ListUnitsByState(ctx, unit.StateReady, unit.ListOpts{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListUnitsByState: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("got %d units in page, want 1", len(page))
	}
}
