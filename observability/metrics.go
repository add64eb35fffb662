package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pipewright/pipewright/event"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/pipewright/pipewright/observability"

// ListenerName is the name the listener registers under on the bus.
const ListenerName = "observability-metrics"

// MetricsListener records lifecycle counters from bus events. Attach it
// to a bus to automatically track event volume by type and severity,
// stage outcomes, retry counts, escalations, and run completions.
type MetricsListener struct {
	events          metric.Int64Counter
	stageCompleted  metric.Int64Counter
	stageFailed     metric.Int64Counter
	retries         metric.Int64Counter
	escalations     metric.Int64Counter
	runsStarted     metric.Int64Counter
	runsCompleted   metric.Int64Counter
	reviewsOpened   metric.Int64Counter
	reviewsResolved metric.Int64Counter
}

// NewMetricsListener creates a MetricsListener on the global OTel
// MeterProvider. Without a configured provider the instruments are
// noops and the listener costs nothing.
func NewMetricsListener() *MetricsListener {
	return NewMetricsListenerWithMeter(otel.Meter(meterName))
}

// NewMetricsListenerWithMeter creates a MetricsListener with the
// provided meter. Use this variant to inject a test MeterProvider.
func NewMetricsListenerWithMeter(meter metric.Meter) *MetricsListener {
	m := &MetricsListener{}
	m.events = mustCounter(meter, "pipewright.events",
		"Total lifecycle events emitted", "{event}")
	m.stageCompleted = mustCounter(meter, "pipewright.stage.completed",
		"Stages that completed", "{stage}")
	m.stageFailed = mustCounter(meter, "pipewright.stage.failed",
		"Stages that failed permanently", "{stage}")
	m.retries = mustCounter(meter, "pipewright.stage.retries",
		"Retry attempts across all stages", "{attempt}")
	m.escalations = mustCounter(meter, "pipewright.escalations",
		"Escalations requiring human input", "{escalation}")
	m.runsStarted = mustCounter(meter, "pipewright.runs.started",
		"Workflow runs started", "{run}")
	m.runsCompleted = mustCounter(meter, "pipewright.runs.completed",
		"Workflow runs completed", "{run}")
	m.reviewsOpened = mustCounter(meter, "pipewright.reviews.opened",
		"Review checkpoints opened", "{review}")
	m.reviewsResolved = mustCounter(meter, "pipewright.reviews.resolved",
		"Review checkpoints resolved", "{review}")
	return m
}

func mustCounter(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := meter.Int64Counter(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
	)
	_ = err // the API returns a usable noop instrument on error
	return c
}

// Attach registers the listener on the bus.
func (m *MetricsListener) Attach(bus *event.Bus) {
	bus.Subscribe(ListenerName, m.OnEvent)
}

// Detach removes the listener from the bus.
func (m *MetricsListener) Detach(bus *event.Bus) {
	bus.Unsubscribe(ListenerName)
}

// OnEvent is the bus listener. Every event increments the total
// counter; specific types additionally increment their own counter.
func (m *MetricsListener) OnEvent(ctx context.Context, evt *event.Event) error {
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", string(evt.Type)),
		attribute.String("severity", string(evt.Severity)),
	))

	stageAttrs := metric.WithAttributes(attribute.String("stage", evt.Stage))
	switch evt.Type {
	case event.StageCompleted:
		m.stageCompleted.Add(ctx, 1, stageAttrs)
	case event.StageFailed:
		m.stageFailed.Add(ctx, 1, stageAttrs)
	case event.RetryAttempt:
		m.retries.Add(ctx, 1, stageAttrs)
	case event.HumanInputRequired:
		m.escalations.Add(ctx, 1, stageAttrs)
	case event.WorkflowStarted:
		m.runsStarted.Add(ctx, 1)
	case event.WorkflowCompleted:
		m.runsCompleted.Add(ctx, 1)
	case event.ApprovalRequested:
		m.reviewsOpened.Add(ctx, 1)
	case event.ApprovalGranted, event.ApprovalDenied:
		m.reviewsResolved.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(evt.Type)),
		))
	}
	return nil
}
