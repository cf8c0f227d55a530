package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskloom/taskloom/unit"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, u *unit.Unit, next Handler) (bool, error) {
		logger.Info("attempt started",
			slog.String("kind", u.Kind),
			slog.String("unit_id", u.ID.String()),
			slog.Int("attempt", u.Attempts+1),
		)

		start := time.Now()
		done, err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			logger.Error("attempt failed",
				slog.String("kind", u.Kind),
				slog.String("unit_id", u.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("classification", string(unit.Classify(err))),
				slog.String("error", err.Error()),
			)
		case !done:
			logger.Info("attempt deferred",
				slog.String("kind", u.Kind),
				slog.String("unit_id", u.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		default:
			logger.Info("attempt completed",
				slog.String("kind", u.Kind),
				slog.String("unit_id", u.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return done, err
	}
}
