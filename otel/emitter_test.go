package otel_test

import (
	"testing"
	"time"

	"github.com/petal-labs/turnflow/core"
	turnotel "github.com/petal-labs/turnflow/otel"
	"github.com/petal-labs/turnflow/runtime"
)

func TestEnrichEmitter_StageSpanPopulatesTraceFields(t *testing.T) {
	_, tp := newTestTracer()
	h := turnotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.Event{Kind: runtime.EventTurnStarted, TurnID: "turn-1", Time: now})
	h.Handle(runtime.Event{Kind: runtime.EventStageStarted, TurnID: "turn-1", Stage: core.StageIntent, Time: now})

	want := h.ActiveSpanContext("turn-1", core.StageIntent)
	if !want.IsValid() {
		t.Fatal("expected valid stage span context")
	}

	var received runtime.Event
	enriched := turnotel.EnrichEmitter(func(e runtime.Event) { received = e }, h)
	enriched(runtime.Event{Kind: runtime.EventStageFinished, TurnID: "turn-1", Stage: core.StageIntent})

	if received.TraceID != want.TraceID().String() {
		t.Errorf("TraceID = %q, want %q", received.TraceID, want.TraceID().String())
	}
	if received.SpanID != want.SpanID().String() {
		t.Errorf("SpanID = %q, want %q", received.SpanID, want.SpanID().String())
	}
}

func TestEnrichEmitter_FallsBackToTurnSpan(t *testing.T) {
	_, tp := newTestTracer()
	h := turnotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(runtime.Event{Kind: runtime.EventTurnStarted, TurnID: "turn-1", Time: time.Now()})
	want := h.ActiveTurnSpanContext("turn-1")

	var received runtime.Event
	enriched := turnotel.EnrichEmitter(func(e runtime.Event) { received = e }, h)
	enriched(runtime.Event{Kind: runtime.EventRouteDecision, TurnID: "turn-1", Stage: core.StageSafety})

	if received.SpanID != want.SpanID().String() {
		t.Errorf("SpanID = %q, want turn span %q", received.SpanID, want.SpanID().String())
	}
}

func TestEnrichEmitter_PassthroughWhenNoSpanActive(t *testing.T) {
	_, tp := newTestTracer()
	h := turnotel.NewTracingHandler(tp.Tracer("test"))

	var received runtime.Event
	enriched := turnotel.EnrichEmitter(func(e runtime.Event) { received = e }, h)
	enriched(runtime.Event{Kind: runtime.EventTurnStarted, TurnID: "turn-1", TenantID: "acme", Seq: 7})

	if received.TraceID != "" || received.SpanID != "" {
		t.Errorf("trace fields = %q/%q, want empty", received.TraceID, received.SpanID)
	}
	if received.TenantID != "acme" || received.Seq != 7 {
		t.Errorf("event fields changed: %+v", received)
	}
}

func TestDecorator_WrapsEmitter(t *testing.T) {
	_, tp := newTestTracer()
	h := turnotel.NewTracingHandler(tp.Tracer("test"))
	h.Handle(runtime.Event{Kind: runtime.EventTurnStarted, TurnID: "turn-1", Time: time.Now()})

	var received runtime.Event
	emit := turnotel.Decorator(h)(func(e runtime.Event) { received = e })
	emit(runtime.Event{Kind: runtime.EventTurnFinished, TurnID: "turn-1"})

	if received.TraceID == "" {
		t.Error("decorated emitter should attach the turn trace ID")
	}
}
