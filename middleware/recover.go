package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/taskloom/taskloom/unit"
)

// Recover returns middleware that converts worker panics into errors with
// a logged stack trace. The error is unclassified, so the executor counts
// it as a transient attempt rather than killing the dispatcher loop.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, u *unit.Unit, next Handler) (done bool, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("worker panicked",
					slog.String("kind", u.Kind),
					slog.String("unit_id", u.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				done = false
				retErr = fmt.Errorf("panic in %s worker: %v", u.Kind, r)
			}
		}()
		return next(ctx)
	}
}
