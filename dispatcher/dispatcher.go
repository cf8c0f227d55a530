package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/id"
	"github.com/taskloom/taskloom/unit"
)

// isLeaseLost reports whether err is the lease-lost sentinel.
func isLeaseLost(err error) bool {
	return errors.Is(err, taskloom.ErrLeaseLost)
}

// Dispatcher is the polling control loop. Each loop goroutine finds
// dispatchable units, races for a lease per candidate, and hands winners
// to the Executor. Multiple Dispatcher processes may run the identical
// loop against the same store with no coordination beyond the lease —
// correctness comes from the store's row-level exclusivity, not from
// leader election or partitioning.
type Dispatcher struct {
	store    unit.Store
	executor *Executor
	logger   *slog.Logger

	holderID      id.DispatcherID
	loops         int
	pollInterval  time.Duration
	leaseDuration time.Duration
	fetchLimit    int

	// stuckLeaseCheck, when non-zero, runs the expired-lease observer.
	stuckLeaseCheck time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLoops sets the number of concurrent polling goroutines.
func WithLoops(n int) Option {
	return func(d *Dispatcher) { d.loops = n }
}

// WithPollInterval sets the sleep between polls of an empty ready set.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

// WithLeaseDuration sets the ttl requested for each claim.
func WithLeaseDuration(ttl time.Duration) Option {
	return func(d *Dispatcher) { d.leaseDuration = ttl }
}

// WithFetchLimit caps how many candidates a single poll fetches.
func WithFetchLimit(n int) Option {
	return func(d *Dispatcher) { d.fetchLimit = n }
}

// WithStuckLeaseCheck enables the expired-lease observer at the given
// interval. Zero disables it; it exists for visibility, not correctness.
func WithStuckLeaseCheck(interval time.Duration) Option {
	return func(d *Dispatcher) { d.stuckLeaseCheck = interval }
}

// New creates a Dispatcher.
func New(store unit.Store, executor *Executor, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:         store,
		executor:      executor,
		logger:        logger,
		holderID:      id.NewDispatcherID(),
		loops:         1,
		pollInterval:  time.Second,
		leaseDuration: 5 * time.Minute,
		fetchLimit:    16,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HolderID returns the dispatcher's lease holder identity.
func (d *Dispatcher) HolderID() id.DispatcherID { return d.holderID }

// Start launches the polling goroutines. It returns immediately.
func (d *Dispatcher) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	d.running = true

	d.logger.Info("dispatcher starting",
		slog.String("holder_id", d.holderID.String()),
		slog.Int("loops", d.loops),
		slog.Duration("lease_duration", d.leaseDuration),
	)

	for range d.loops {
		d.wg.Add(1)
		go d.pollLoop()
	}

	if d.stuckLeaseCheck > 0 {
		d.wg.Add(1)
		go d.observeLoop()
	}

	return nil
}

// Stop signals all loops to stop and waits for them to finish or for the
// context to expire. A unit mid-execution at deadline is abandoned; its
// lease expiry makes it re-claimable.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("dispatcher stopping", slog.String("holder_id", d.holderID.String()))
	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher shutdown timed out, in-flight units left to lease expiry")
		return ctx.Err()
	}
}

// pollLoop is run by each polling goroutine.
func (d *Dispatcher) pollLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		if !d.dispatchOnce() {
			d.sleep()
		}
	}
}

// dispatchOnce polls for candidates and executes every lease it wins.
// Returns false when nothing was executed, so the caller can sleep.
// Store errors back the loop off rather than killing the process; any
// in-flight unit is recoverable through lease expiry.
func (d *Dispatcher) dispatchOnce() bool {
	ctx := context.Background()

	candidates, err := d.store.ReadyUnits(ctx, d.fetchLimit)
	if err != nil {
		d.logger.Error("poll failed", slog.String("error", err.Error()))
		return false
	}

	executed := false
	for _, u := range candidates {
		select {
		case <-d.stopCh:
			return executed
		default:
		}

		acquired, err := d.store.AcquireLease(ctx, u.ID, d.holderID, d.leaseDuration)
		if err != nil {
			d.logger.Error("lease acquisition failed",
				slog.String("unit_id", u.ID.String()),
				slog.String("error", err.Error()),
			)
			return executed
		}
		if !acquired {
			// Another dispatcher won this row; move to the next candidate.
			continue
		}

		executed = true
		outcome, execErr := d.executor.Execute(ctx, u.ID, d.holderID)
		if execErr != nil {
			d.logger.Error("execution not committed",
				slog.String("unit_id", u.ID.String()),
				slog.String("kind", u.Kind),
				slog.String("error", execErr.Error()),
			)
			continue
		}
		d.logger.Debug("unit executed",
			slog.String("unit_id", u.ID.String()),
			slog.String("kind", u.Kind),
			slog.String("outcome", string(outcome)),
		)
	}
	return executed
}

// observeLoop periodically logs units whose lease lapsed without a
// terminal commit — the holder crashed or hung.
func (d *Dispatcher) observeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.stuckLeaseCheck)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.reportStuckLeases()
		}
	}
}

func (d *Dispatcher) reportStuckLeases() {
	stuck, err := d.store.ExpiredLeases(context.Background(), d.fetchLimit)
	if err != nil {
		d.logger.Error("stuck lease scan failed", slog.String("error", err.Error()))
		return
	}
	for _, u := range stuck {
		d.logger.Warn("lease expired without commit",
			slog.String("unit_id", u.ID.String()),
			slog.String("kind", u.Kind),
			slog.String("holder_id", u.LeaseHolder.String()),
			slog.Time("expired_at", *u.LeaseExpiresAt),
		)
	}
}

func (d *Dispatcher) sleep() {
	select {
	case <-time.After(d.pollInterval):
	case <-d.stopCh:
	}
}
