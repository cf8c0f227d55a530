// Package memory is a fully in-memory implementation of unit.Store.
// Transactions get copy-on-write snapshot semantics so InTx has real
// rollback behavior. Safe for concurrent access. Intended for unit
// testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/unit"
)

// Ensure Store implements unit.Store at compile time.
var _ unit.Store = (*Store)(nil)

// state is the mutable backing data. InTx clones it, applies the
// transaction's writes to the clone, and swaps it in on commit — a
// failed transaction never touches the live state.
type state struct {
	units      map[string]*unit.Unit // payload held separately
	payloads   map[string][]byte
	reqs       []unit.Requirement
	exceptions map[string][]*unit.Exception
}

func newState() *state {
	return &state{
		units:      make(map[string]*unit.Unit),
		payloads:   make(map[string][]byte),
		exceptions: make(map[string][]*unit.Exception),
	}
}

func (st *state) clone() *state {
	c := &state{
		units:      make(map[string]*unit.Unit, len(st.units)),
		payloads:   make(map[string][]byte, len(st.payloads)),
		reqs:       make([]unit.Requirement, len(st.reqs)),
		exceptions: make(map[string][]*unit.Exception, len(st.exceptions)),
	}
	for k, u := range st.units {
		c.units[k] = copyUnit(u)
	}
	for k, p := range st.payloads {
		c.payloads[k] = p // payloads are immutable once inserted
	}
	copy(c.reqs, st.reqs)
	for k, excs := range st.exceptions {
		// Exact-length copies so an appended entry can never share a
		// backing array with the live state.
		cp := make([]*unit.Exception, len(excs))
		copy(cp, excs)
		c.exceptions[k] = cp
	}
	return c
}

func copyUnit(u *unit.Unit) *unit.Unit {
	cp := *u
	if u.LeaseExpiresAt != nil {
		t := *u.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		cp.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Store is the in-memory unit.Store.
type Store struct {
	mu sync.RWMutex
	st *state
}

// New returns a new empty Store.
func New() *Store {
	return &Store{st: newState()}
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// InTx clones the state, runs fn against the clone, and swaps it in only
// when fn succeeds.
func (s *Store) InTx(_ context.Context, fn func(tx unit.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// ──────────────────────────────────────────────────
// One-off Tx operations (single-call transactions)
// ──────────────────────────────────────────────────

// GetUnit retrieves a unit, payload included.
func (s *Store) GetUnit(ctx context.Context, unitID id.UnitID) (*unit.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{st: s.st}).GetUnit(ctx, unitID)
}

// RequirementsSatisfied reports whether all of the unit's dependencies
// have succeeded.
func (s *Store) RequirementsSatisfied(ctx context.Context, unitID id.UnitID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{st: s.st}).RequirementsSatisfied(ctx, unitID)
}

// ListExceptions returns the unit's exception log, oldest first.
func (s *Store) ListExceptions(ctx context.Context, unitID id.UnitID) ([]*unit.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{st: s.st}).ListExceptions(ctx, unitID)
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

// ──────────────────────────────────────────────────
// Dispatch and operator queries
// ──────────────────────────────────────────────────

// ReadyUnits returns dispatchable units, FIFO by creation time.
func (s *Store) ReadyUnits(_ context.Context, limit int) ([]*unit.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	candidates := make([]*unit.Unit, 0, len(s.st.units))
	for _, u := range s.st.units {
		if u.Dispatchable(now) {
			candidates = append(candidates, u)
		}
	}

	sortByCreation(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*unit.Unit, len(candidates))
	for i, u := range candidates {
		cp := copyUnit(u)
		cp.Payload = s.st.payloads[u.ID.String()]
		result[i] = cp
	}
	return result, nil
}

// AcquireLease attempts an exclusive claim on the unit. The whole check
// and claim runs under one lock, so racing callers get exactly one winner.
func (s *Store) AcquireLease(_ context.Context, unitID id.UnitID, holder id.DispatcherID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.st.units[unitID.String()]
	if !ok {
		return false, taskloom.ErrUnitNotFound
	}

	now := time.Now().UTC()
	if !u.Dispatchable(now) {
		return false, nil
	}

	expiry := now.Add(ttl)
	u.State = unit.StateLeased
	u.LeaseHolder = holder
	u.LeaseExpiresAt = &expiry
	started := now
	u.StartedAt = &started
	u.UpdatedAt = now
	return true, nil
}

// ExpiredLeases returns leased units whose claim has lapsed.
func (s *Store) ExpiredLeases(_ context.Context, limit int) ([]*unit.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var stuck []*unit.Unit
	for _, u := range s.st.units {
		if u.State == unit.StateLeased && u.LeaseExpiresAt != nil && !u.LeaseExpiresAt.After(now) {
			stuck = append(stuck, copyUnit(u))
		}
	}
	sortByCreation(stuck)
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

// ListUnitsByState returns units in the given state, oldest first.
func (s *Store) ListUnitsByState(_ context.Context, st unit.State, opts unit.ListOpts) ([]*unit.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*unit.Unit, 0, len(s.st.units))
	for _, u := range s.st.units {
		if u.State != st {
			continue
		}
		cp := copyUnit(u)
		cp.Payload = s.st.payloads[u.ID.String()]
		result = append(result, cp)
	}

	sortByCreation(result)

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountUnits returns the number of units in the given state.
func (s *Store) CountUnits(_ context.Context, st unit.State) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, u := range s.st.units {
		if st == "" || u.State == st {
			count++
		}
	}
	return count, nil
}

// MarkFeasible transitions an INFEASIBLE unit back to READY, clearing its
// attempt count.
func (s *Store) MarkFeasible(_ context.Context, unitID id.UnitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.st.units[unitID.String()]
	if !ok {
		return taskloom.ErrUnitNotFound
	}
	if u.State != unit.StateInfeasible {
		return taskloom.ErrNotInfeasible
	}

	u.State = unit.StateReady
	u.Attempts = 0
	u.NotBefore = time.Time{}
	u.LastError = ""
	u.ClearLease()
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func sortByCreation(units []*unit.Unit) {
	sort.Slice(units, func(i, k int) bool {
		if !units[i].CreatedAt.Equal(units[k].CreatedAt) {
			return units[i].CreatedAt.Before(units[k].CreatedAt)
		}
		// TypeIDs are K-sortable; break creation-time ties on them.
		return units[i].ID.String() < units[k].ID.String()
	})
}
