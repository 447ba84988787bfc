package otel

import (
	"github.com/petal-labs/turnflow/runtime"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
// Stage-level events take the stage span when one is active and fall back
// to the turn span. When no span is active, the event passes through
// unchanged.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if e.Stage != "" {
			sc := tracing.ActiveSpanContext(e.TurnID, e.Stage)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.TurnID != "" {
			sc := tracing.ActiveTurnSpanContext(e.TurnID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// Decorator adapts EnrichEmitter to runtime.EventEmitterDecorator.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(emit runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(emit, tracing)
	}
}
