package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/turnflow/core"
	turnotel "github.com/petal-labs/turnflow/otel"
	"github.com/petal-labs/turnflow/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func hasAttr(span *tracetest.SpanStub, key, value string) bool {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key && attr.Value.Emit() == value {
			return true
		}
	}
	return false
}

func TestTracingHandler_TurnStartedCreatesRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := turnotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.Event{Kind: runtime.EventTurnStarted, TurnID: "turn-1", TenantID: "acme", Time: now})

	if sc := h.ActiveTurnSpanContext("turn-1"); !sc.IsValid() {
		t.Fatal("expected valid turn span context after turn.started")
	}

	h.Handle(runtime.Event{
		Kind:     runtime.EventTurnFinished,
		TurnID:   "turn-1",
		TenantID: "acme",
		Time:     now.Add(100 * time.Millisecond),
		Elapsed:  100 * time.Millisecond,
		Payload:  map[string]any{"status": "completed", "degraded": false},
	})

	span := findSpan(exporter.GetSpans(), "turn")
	if span == nil {
		t.Fatal("expected a turn span")
	}
	if !hasAttr(span, "turnflow.turn_id", "turn-1") {
		t.Error("expected turnflow.turn_id attribute on turn span")
	}
	if !hasAttr(span, "turnflow.tenant_id", "acme") {
		t.Error("expected turnflow.tenant_id attribute on turn span")
	}
	if !hasAttr(span, "turnflow.status", "completed") {
		t.Error("expected turnflow.status=completed")
	}
	if span.Status.Code != otelcodes.Ok {
		t.Errorf("status = %v, want Ok", span.Status.Code)
	}
	if sc := h.ActiveTurnSpanContext("turn-1"); sc.IsValid() {
		t.Error("turn span should be released after turn.finished")
	}
}

func TestTracingHandler_StageSpanIsChildOfTurn(t *testing.T) {
	exporter, tp := newTestTracer()
	h := turnotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.Event{Kind: runtime.EventTurnStarted, TurnID: "turn-1", Time: now})
	h.Handle(runtime.Event{Kind: runtime.EventStageStarted, TurnID: "turn-1", Stage: core.StageEmotion, Time: now})
	h.Handle(runtime.Event{
		Kind:    runtime.EventStageFinished,
		TurnID:  "turn-1",
		Stage:   core.StageEmotion,
		Time:    now.Add(5 * time.Millisecond),
		Elapsed: 5 * time.Millisecond,
	})
	h.Handle(runtime.Event{Kind: runtime.EventTurnFinished, TurnID: "turn-1", Time: now.Add(10 * time.Millisecond), Payload: map[string]any{"status": "completed"}})

	spans := exporter.GetSpans()
	turn := findSpan(spans, "turn")
	stage := findSpan(spans, "stage:emotion")
	if turn == nil || stage == nil {
		t.Fatalf("missing spans: turn=%v stage=%v", turn != nil, stage != nil)
	}
	if stage.Parent.SpanID() != turn.SpanContext.SpanID() {
		t.Error("stage span should be a child of the turn span")
	}
	if stage.SpanContext.TraceID() != turn.SpanContext.TraceID() {
		t.Error("stage span should share the turn trace")
	}
	if !hasAttr(stage, "turnflow.fallback", "false") {
		t.Error("expected turnflow.fallback=false on a finished stage")
	}
	if stage.Status.Code != otelcodes.Ok {
		t.Errorf("stage status = %v, want Ok", stage.Status.Code)
	}
}

func TestTracingHandler_StageFallbackSetsErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	h := turnotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.Event{Kind: runtime.EventStageStarted, TurnID: "turn-1", Stage: core.StageSalesAgent, Time: now})
	h.Handle(runtime.Event{
		Kind:    runtime.EventStageFallback,
		TurnID:  "turn-1",
		Stage:   core.StageSalesAgent,
		Time:    now.Add(time.Second),
		Payload: map[string]any{"error": "stage timed out", "generic": false},
	})

	span := findSpan(exporter.GetSpans(), "stage:sales_agent")
	if span == nil {
		t.Fatal("expected a sales_agent stage span")
	}
	if span.Status.Code != otelcodes.Error {
		t.Errorf("status = %v, want Error", span.Status.Code)
	}
	if span.Status.Description != "stage timed out" {
		t.Errorf("status description = %q, want %q", span.Status.Description, "stage timed out")
	}
	if len(span.Events) == 0 {
		t.Error("expected a recorded error event")
	}
	if !hasAttr(span, "turnflow.fallback", "true") {
		t.Error("expected turnflow.fallback=true")
	}
}

func TestTracingHandler_RouteDecisionBecomesSpanEvent(t *testing.T) {
	exporter, tp := newTestTracer()
	h := turnotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.Event{Kind: runtime.EventTurnStarted, TurnID: "turn-1", Time: now})
	h.Handle(runtime.Event{
		Kind:    runtime.EventRouteDecision,
		TurnID:  "turn-1",
		Stage:   core.StageSafety,
		Time:    now,
		Payload: map[string]any{"rule": "safety_block", "decision": "terminate"},
	})
	h.Handle(runtime.Event{Kind: runtime.EventTurnFinished, TurnID: "turn-1", Time: now, Payload: map[string]any{"status": "short_circuited"}})

	span := findSpan(exporter.GetSpans(), "turn")
	if span == nil {
		t.Fatal("expected a turn span")
	}
	if len(span.Events) != 1 {
		t.Fatalf("got %d span events, want 1", len(span.Events))
	}
	ev := span.Events[0]
	if ev.Name != string(runtime.EventRouteDecision) {
		t.Errorf("event name = %q, want %q", ev.Name, runtime.EventRouteDecision)
	}
	found := false
	for _, a := range ev.Attributes {
		if string(a.Key) == "turnflow.decision" && a.Value.AsString() == "terminate" {
			found = true
		}
	}
	if !found {
		t.Error("expected turnflow.decision=terminate on the route event")
	}
}

func TestTracingHandler_TurnFinishedWithFailedStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	h := turnotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.Event{Kind: runtime.EventTurnStarted, TurnID: "turn-1", Time: now})
	h.Handle(runtime.Event{
		Kind:    runtime.EventTurnFinished,
		TurnID:  "turn-1",
		Time:    now,
		Payload: map[string]any{"status": "failed", "error": "engine failure"},
	})

	span := findSpan(exporter.GetSpans(), "turn")
	if span == nil {
		t.Fatal("expected a turn span")
	}
	if span.Status.Code != otelcodes.Error {
		t.Errorf("status = %v, want Error", span.Status.Code)
	}
	if span.Status.Description != "engine failure" {
		t.Errorf("status description = %q, want %q", span.Status.Description, "engine failure")
	}
}

func TestTracingHandler_UnmatchedFinishIsIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := turnotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(runtime.Event{Kind: runtime.EventStageFinished, TurnID: "turn-9", Stage: core.StageIntent, Time: time.Now()})
	h.Handle(runtime.Event{Kind: runtime.EventTurnFinished, TurnID: "turn-9", Time: time.Now()})

	if n := len(exporter.GetSpans()); n != 0 {
		t.Errorf("got %d spans, want 0", n)
	}
}
