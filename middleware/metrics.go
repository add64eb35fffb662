package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for pipewright metrics.
const meterName = "github.com/pipewright/pipewright"

// Metrics returns middleware that records per-stage execution metrics
// using the global OTel MeterProvider. If no MeterProvider is
// configured, noop instruments are used and this middleware becomes a
// pass-through.
//
// Instruments:
//   - pipewright.stage.duration (Float64Histogram): execution time in
//     seconds, with attributes: stage, agent, status ("ok" or "error")
//   - pipewright.stage.executions (Int64Counter): total executions,
//     with attributes: stage, agent, status ("ok" or "error")
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided
// meter. This variant allows injecting a specific MeterProvider for
// testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"pipewright.stage.duration",
		metric.WithDescription("Duration of stage execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // the API returns a usable noop instrument on error

	executions, eErr := meter.Int64Counter(
		"pipewright.stage.executions",
		metric.WithDescription("Total number of stage executions"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr // the API returns a usable noop instrument on error

	return func(ctx context.Context, inv *Invocation, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("stage", inv.Stage),
			attribute.String("agent", inv.Agent),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
