package middleware

import (
	"context"
	"time"

	"github.com/taskloom/taskloom/unit"
)

// LeaseDeadline returns middleware that caps the attempt's context at the
// unit's lease expiry. A worker that overruns its lease keeps running only
// until it next observes its context; the claim itself has already lapsed
// and another dispatcher may legally re-claim the unit.
func LeaseDeadline() Middleware {
	return func(ctx context.Context, u *unit.Unit, next Handler) (bool, error) {
		if u.LeaseExpiresAt == nil {
			return next(ctx)
		}
		ctx, cancel := context.WithDeadline(ctx, *u.LeaseExpiresAt)
		defer cancel()
		return next(ctx)
	}
}

// Timeout returns middleware that bounds every attempt at d, independent
// of the lease.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, u *unit.Unit, next Handler) (bool, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
