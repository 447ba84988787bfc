package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/turnflow/runtime"
)

// MetricsHandler translates runtime events into OpenTelemetry metrics.
// It records counters and histograms for stage executions, fallbacks and
// turn durations.
type MetricsHandler struct {
	stageExecutions metric.Int64Counter
	stageFallbacks  metric.Int64Counter
	stageDuration   metric.Float64Histogram
	turns           metric.Int64Counter
	turnDuration    metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stageExec, err := meter.Int64Counter("turnflow.stage.executions",
		metric.WithDescription("Number of stage executions"),
	)
	if err != nil {
		return nil, err
	}

	stageFallback, err := meter.Int64Counter("turnflow.stage.fallbacks",
		metric.WithDescription("Number of stage fallbacks applied"),
	)
	if err != nil {
		return nil, err
	}

	stageDur, err := meter.Float64Histogram("turnflow.stage.duration",
		metric.WithDescription("Duration of stage execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	turns, err := meter.Int64Counter("turnflow.turns",
		metric.WithDescription("Number of finished turns"),
	)
	if err != nil {
		return nil, err
	}

	turnDur, err := meter.Float64Histogram("turnflow.turn.duration",
		metric.WithDescription("Duration of a turn in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stageExecutions: stageExec,
		stageFallbacks:  stageFallback,
		stageDuration:   stageDur,
		turns:           turns,
		turnDuration:    turnDur,
	}, nil
}

// Handle processes a runtime event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventStageFinished:
		attrs := metric.WithAttributes(
			attribute.String("tenant_id", e.TenantID),
			attribute.String("stage", string(e.Stage)),
		)
		h.stageExecutions.Add(ctx, 1, attrs)
		h.stageDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case runtime.EventStageFallback:
		generic, _ := e.Payload["generic"].(bool)
		h.stageFallbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tenant_id", e.TenantID),
			attribute.String("stage", string(e.Stage)),
			attribute.Bool("generic", generic),
		))
		h.stageDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("tenant_id", e.TenantID),
			attribute.String("stage", string(e.Stage)),
		))
	case runtime.EventTurnFinished:
		attrs := metric.WithAttributes(
			attribute.String("tenant_id", e.TenantID),
			attribute.String("status", payloadString(e, "status", "")),
		)
		h.turns.Add(ctx, 1, attrs)
		h.turnDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	}
}
