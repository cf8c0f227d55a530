package unit

import (
	"context"
	"fmt"
)

// Definition is a typed worker definition. T is the payload type; the
// kind's codec decodes the unit's raw payload into T before the handler
// runs. Hook funcs are optional and receive the decoded payload alongside
// the transaction-scoped Tx.
type Definition[T any] struct {
	// Kind is the payload kind this definition handles.
	Kind string

	// Work executes one attempt against the decoded payload.
	Work func(ctx context.Context, payload T) (bool, error)

	// OnSuccess, OnReschedule, and OnFailure are optional hooks bound
	// to the outcome-commit transaction.
	OnSuccess    func(ctx context.Context, tx Tx, u *Unit, payload T) error
	OnReschedule func(ctx context.Context, tx Tx, u *Unit, payload T) error
	OnFailure    func(ctx context.Context, tx Tx, u *Unit, payload T, workErr error) error

	// Opts configures attempts and the payload codec.
	Opts Options
}

// NewDefinition creates a typed worker definition.
func NewDefinition[T any](kind string, work func(ctx context.Context, payload T) (bool, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Kind: kind,
		Work: work,
		Opts: DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// RegisterDefinition registers a typed definition, wrapping it in a
// Worker that decodes the payload through the kind's codec.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	r.Register(def.Kind, &definedWorker[T]{def: def}, func(o *Options) { *o = def.Opts })
}

// definedWorker adapts a Definition[T] to Worker plus the hook interfaces.
type definedWorker[T any] struct {
	def *Definition[T]
}

func (w *definedWorker[T]) decode(u *Unit) (T, error) {
	var payload T
	if len(u.Payload) == 0 {
		return payload, nil
	}
	if err := w.def.Opts.Codec.Unmarshal(u.Payload, &payload); err != nil {
		// A payload that cannot decode will never decode; retrying is useless.
		return payload, Permanent(fmt.Errorf("decode payload for kind %q: %w", w.def.Kind, err))
	}
	return payload, nil
}

// Work implements Worker.
func (w *definedWorker[T]) Work(ctx context.Context, u *Unit) (bool, error) {
	payload, err := w.decode(u)
	if err != nil {
		return false, err
	}
	return w.def.Work(ctx, payload)
}

// OnSuccess implements SuccessHook.
func (w *definedWorker[T]) OnSuccess(ctx context.Context, tx Tx, u *Unit) error {
	if w.def.OnSuccess == nil {
		return nil
	}
	payload, err := w.decode(u)
	if err != nil {
		return err
	}
	return w.def.OnSuccess(ctx, tx, u, payload)
}

// OnReschedule implements RescheduleHook.
func (w *definedWorker[T]) OnReschedule(ctx context.Context, tx Tx, u *Unit) error {
	if w.def.OnReschedule == nil {
		return nil
	}
	payload, err := w.decode(u)
	if err != nil {
		return err
	}
	return w.def.OnReschedule(ctx, tx, u, payload)
}

// OnFailure implements FailureHook.
func (w *definedWorker[T]) OnFailure(ctx context.Context, tx Tx, u *Unit, workErr error) error {
	if w.def.OnFailure == nil {
		return nil
	}
	payload, err := w.decode(u)
	if err != nil {
		return err
	}
	return w.def.OnFailure(ctx, tx, u, payload, workErr)
}
