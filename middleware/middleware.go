// Package middleware provides composable middleware around work unit
// execution. Middleware wraps the worker invocation synchronously — it can
// recover panics, log, record metrics, or bound the attempt's context. It
// runs outside the outcome-commit transaction.
package middleware

import (
	"context"

	"github.com/taskloom/taskloom/unit"
)

// Handler is the terminal function performing one work attempt.
type Handler func(ctx context.Context) (bool, error)

// Middleware wraps a Handler with cross-cutting logic. It receives the
// unit being executed and the next handler, and must call next to continue
// the chain unless it short-circuits on error.
type Middleware func(ctx context.Context, u *unit.Unit, next Handler) (bool, error)

// Chain composes middleware into one. Application is right-to-left: the
// first middleware in the list is the outermost wrapper.
//
// Example: Chain(logging, recover) executes as logging → recover → worker.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, u *unit.Unit, next Handler) (bool, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (bool, error) {
				return mw(ctx, u, prev)
			}
		}
		return h(ctx)
	}
}
