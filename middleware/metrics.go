package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskloom/taskloom/unit"
)

// meterName is the instrumentation scope name for taskloom metrics.
const meterName = "github.com/taskloom/taskloom"

// Metrics returns middleware that records per-attempt execution metrics
// using the global OTel MeterProvider. With no provider configured the
// instruments are noops and the middleware is a pass-through.
//
// Instruments:
//   - taskloom.unit.duration (Float64Histogram): attempt time in seconds,
//     with attributes: kind, status ("ok", "deferred", "error")
//   - taskloom.unit.executions (Int64Counter): total attempts, same attributes
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instruments are created once here; the OTel API returns noop
	// instruments on error so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"taskloom.unit.duration",
		metric.WithDescription("Duration of a work unit attempt in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	executions, eErr := meter.Int64Counter(
		"taskloom.unit.executions",
		metric.WithDescription("Total number of work unit attempts"),
		metric.WithUnit("{attempt}"),
	)
	_ = eErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, u *unit.Unit, next Handler) (bool, error) {
		start := time.Now()
		done, err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		switch {
		case err != nil:
			status = "error"
		case !done:
			status = "deferred"
		}

		attrs := metric.WithAttributes(
			attribute.String("kind", u.Kind),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return done, err
	}
}
