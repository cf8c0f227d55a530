// Package engine wires the taskloom subsystems together: the worker
// registry, middleware chain, executor, dispatchers, and operator service.
//
// This package sits above all subsystem packages and below the application
// layer. The root taskloom package defines Entity and the shared error
// sentinels (imported by unit, dispatcher, operator) and so cannot import
// those packages back; engine exists on the far side of that boundary.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/backoff"
	"github.com/taskloom/taskloom/dispatcher"
	"github.com/taskloom/taskloom/id"
	mw "github.com/taskloom/taskloom/middleware"
	"github.com/taskloom/taskloom/operator"
	"github.com/taskloom/taskloom/unit"
)

// Engine is the assembled execution engine. Use Build to create one.
type Engine struct {
	store    unit.Store
	registry *unit.Registry
	disp     *dispatcher.Dispatcher
	operator *operator.Service
	bo       backoff.Strategy
	mws      []mw.Middleware
	cfg      taskloom.Config
	logger   *slog.Logger

	// Optional OTel meter provider; nil means use the global one.
	meterProvider metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration. Unset fields keep their
// DefaultConfig values.
func WithConfig(cfg taskloom.Config) Option {
	return func(eng *Engine) {
		def := taskloom.DefaultConfig()
		if cfg.Dispatchers == 0 {
			cfg.Dispatchers = def.Dispatchers
		}
		if cfg.PollInterval == 0 {
			cfg.PollInterval = def.PollInterval
		}
		if cfg.LeaseDuration == 0 {
			cfg.LeaseDuration = def.LeaseDuration
		}
		if cfg.FetchLimit == 0 {
			cfg.FetchLimit = def.FetchLimit
		}
		if cfg.MaxAttempts == 0 {
			cfg.MaxAttempts = def.MaxAttempts
		}
		if cfg.ShutdownTimeout == 0 {
			cfg.ShutdownTimeout = def.ShutdownTimeout
		}
		eng.cfg = cfg
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) {
		eng.logger = logger
	}
}

// WithBackoff sets the retry backoff strategy. If not set,
// backoff.Default() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithMiddleware appends middleware to the engine's chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build assembles an Engine over the given store.
func Build(store unit.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, taskloom.ErrNoStore
	}

	eng := &Engine{
		store:    store,
		registry: unit.NewRegistry(),
		cfg:      taskloom.DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.Default()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/taskloom/taskloom")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: recover, then metrics, then logging, then the lease
	// deadline cap. User middleware runs innermost, closest to the worker.
	defaultMws := []mw.Middleware{
		mw.Recover(eng.logger),
		metricsMw,
		mw.Logging(eng.logger),
		mw.LeaseDeadline(),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := dispatcher.NewExecutor(eng.registry, store, eng.bo, eng.logger, allMws...)

	eng.disp = dispatcher.New(store, executor, eng.logger,
		dispatcher.WithLoops(eng.cfg.Dispatchers),
		dispatcher.WithPollInterval(eng.cfg.PollInterval),
		dispatcher.WithLeaseDuration(eng.cfg.LeaseDuration),
		dispatcher.WithFetchLimit(eng.cfg.FetchLimit),
		dispatcher.WithStuckLeaseCheck(eng.cfg.StuckLeaseCheck),
	)
	eng.operator = operator.NewService(store, eng.logger)

	return eng, nil
}

// Register registers a typed worker definition with the engine.
func Register[T any](eng *Engine, def *unit.Definition[T]) {
	unit.RegisterDefinition(eng.registry, def)
}

// Enqueue creates a work unit with a typed payload, encoded through the
// kind's registered codec. Requirements name units that must succeed
// before this one becomes dispatchable; the unit starts PENDING while any
// of them is outstanding and READY otherwise.
func Enqueue[T any](ctx context.Context, eng *Engine, kind string, payload T, requirements ...id.UnitID) (*unit.Unit, error) {
	c := eng.registry.OptionsFor(kind).Codec
	data, err := c.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for kind %q: %w", kind, err)
	}
	return eng.EnqueueRaw(ctx, kind, data, requirements...)
}

// EnqueueRaw creates a work unit with a pre-serialized payload.
func (eng *Engine) EnqueueRaw(ctx context.Context, kind string, payload []byte, requirements ...id.UnitID) (*unit.Unit, error) {
	maxAttempts := eng.registry.OptionsFor(kind).MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = eng.cfg.MaxAttempts
	}

	u := &unit.Unit{
		Entity:      taskloom.NewEntity(),
		ID:          id.NewUnitID(),
		Kind:        kind,
		Payload:     payload,
		State:       unit.StatePending,
		MaxAttempts: maxAttempts,
	}
	if err := eng.store.InsertUnit(ctx, u, requirements); err != nil {
		return nil, fmt.Errorf("enqueue unit kind %q: %w", kind, err)
	}

	eng.logger.Debug("unit enqueued",
		slog.String("unit_id", u.ID.String()),
		slog.String("kind", kind),
		slog.String("state", string(u.State)),
		slog.Int("requirements", len(requirements)),
	)
	return u, nil
}

// Require adds the requirement edge (dependent, dependency) after both
// units exist. Fails with ErrRequirementCycle when the edge would close a
// cycle.
func (eng *Engine) Require(ctx context.Context, dependent, dependency id.UnitID) error {
	return eng.store.AddRequirement(ctx, dependent, dependency)
}

// Start launches the dispatcher loops.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.disp.Start(ctx)
}

// Stop gracefully shuts the engine down, waiting up to the configured
// ShutdownTimeout when the context carries no deadline of its own.
func (eng *Engine) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && eng.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}
	return eng.disp.Stop(ctx)
}

// Registry returns the worker registry.
func (eng *Engine) Registry() *unit.Registry { return eng.registry }

// Store returns the engine's store.
func (eng *Engine) Store() unit.Store { return eng.store }

// Dispatcher returns the underlying dispatcher.
func (eng *Engine) Dispatcher() *dispatcher.Dispatcher { return eng.disp }

// Operator returns the manual-intervention service.
func (eng *Engine) Operator() *operator.Service { return eng.operator }

// WaitIdle polls until no unit is pending, ready, or leased, or until the
// context expires. Intended for tests and batch-style callers that need to
// observe a drained engine.
func (eng *Engine) WaitIdle(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	for {
		busy := int64(0)
		for _, st := range []unit.State{unit.StatePending, unit.StateReady, unit.StateLeased} {
			n, err := eng.store.CountUnits(ctx, st)
			if err != nil {
				return err
			}
			busy += n
		}
		if busy == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
