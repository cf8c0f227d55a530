// Package operator exposes the engine's manual-intervention surface: the
// INFEASIBLE queue with its exception logs, and the mark-feasible retry
// path. Admin tooling embeds this service; the UI itself lives elsewhere.
package operator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/unit"
)

// InfeasibleUnit pairs a terminal-failed unit with its exception log.
type InfeasibleUnit struct {
	Unit       *unit.Unit
	Exceptions []*unit.Exception
}

// Service provides operator operations over a Store.
type Service struct {
	store  unit.Store
	logger *slog.Logger
}

// NewService creates an operator service.
func NewService(store unit.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// ListInfeasible returns units requiring manual intervention, oldest
// first, each with its full exception log for diagnosis.
func (s *Service) ListInfeasible(ctx context.Context, opts unit.ListOpts) ([]*InfeasibleUnit, error) {
	units, err := s.store.ListUnitsByState(ctx, unit.StateInfeasible, opts)
	if err != nil {
		return nil, fmt.Errorf("operator: list infeasible: %w", err)
	}

	result := make([]*InfeasibleUnit, 0, len(units))
	for _, u := range units {
		excs, err := s.store.ListExceptions(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("operator: exceptions for %s: %w", u.ID, err)
		}
		result = append(result, &InfeasibleUnit{Unit: u, Exceptions: excs})
	}
	return result, nil
}

// MarkFeasible transitions an INFEASIBLE unit back to READY with a fresh
// attempt budget — the explicit human-triggered retry after a fix.
func (s *Service) MarkFeasible(ctx context.Context, unitID id.UnitID) error {
	if err := s.store.MarkFeasible(ctx, unitID); err != nil {
		return fmt.Errorf("operator: mark feasible %s: %w", unitID, err)
	}
	s.logger.Info("unit marked feasible", slog.String("unit_id", unitID.String()))
	return nil
}

// Counts returns the number of units per lifecycle state.
func (s *Service) Counts(ctx context.Context) (map[unit.State]int64, error) {
	states := []unit.State{
		unit.StatePending, unit.StateReady, unit.StateLeased,
		unit.StateSucceeded, unit.StateInfeasible,
	}
	counts := make(map[unit.State]int64, len(states))
	for _, st := range states {
		n, err := s.store.CountUnits(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("operator: count %s: %w", st, err)
		}
		counts[st] = n
	}
	return counts, nil
}
