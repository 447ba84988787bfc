// Package otel provides OpenTelemetry integration for turn events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/runtime"
)

// TracingHandler translates runtime events into OpenTelemetry spans.
// It maintains maps of active turn and stage spans, creating and ending
// them based on event kind.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	turnSpans  map[string]trace.Span      // turnID -> span
	turnCtxs   map[string]context.Context // turnID -> context (for child spans)
	stageSpans map[string]trace.Span      // turnID:stage -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from runtime events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		turnSpans:  make(map[string]trace.Span),
		turnCtxs:   make(map[string]context.Context),
		stageSpans: make(map[string]trace.Span),
	}
}

// Handle processes a runtime event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventTurnStarted:
		h.handleTurnStarted(e)
	case runtime.EventStageStarted:
		h.handleStageStarted(e)
	case runtime.EventStageFinished:
		h.handleStageFinished(e)
	case runtime.EventStageFallback:
		h.handleStageFallback(e)
	case runtime.EventRouteDecision:
		h.handleRouteDecision(e)
	case runtime.EventTurnFinished:
		h.handleTurnFinished(e)
	}
}

func stageKey(turnID string, stage core.StageName) string {
	return turnID + ":" + string(stage)
}

// handleTurnStarted creates a root span for the turn.
func (h *TracingHandler) handleTurnStarted(e runtime.Event) {
	ctx, span := h.tracer.Start(context.Background(), "turn",
		trace.WithAttributes(
			attribute.String("turnflow.turn_id", e.TurnID),
			attribute.String("turnflow.tenant_id", e.TenantID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.turnSpans[e.TurnID] = span
	h.turnCtxs[e.TurnID] = ctx
	h.mu.Unlock()
}

// handleStageStarted creates a child span under the turn span.
func (h *TracingHandler) handleStageStarted(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.turnCtxs[e.TurnID]
	h.mu.RUnlock()

	if !ok {
		// No parent turn span; start from background context.
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "stage:"+string(e.Stage),
		trace.WithAttributes(
			attribute.String("turnflow.turn_id", e.TurnID),
			attribute.String("turnflow.tenant_id", e.TenantID),
			attribute.String("turnflow.stage", string(e.Stage)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.stageSpans[stageKey(e.TurnID, e.Stage)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) takeStageSpan(e runtime.Event) (trace.Span, bool) {
	key := stageKey(e.TurnID, e.Stage)

	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.stageSpans[key]
	if ok {
		delete(h.stageSpans, key)
	}
	return span, ok
}

// handleStageFinished ends the stage span with success status.
func (h *TracingHandler) handleStageFinished(e runtime.Event) {
	span, ok := h.takeStageSpan(e)
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("turnflow.duration", e.Elapsed.String()),
		attribute.Bool("turnflow.fallback", false),
	)
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

// handleStageFallback ends the stage span with error status.
func (h *TracingHandler) handleStageFallback(e runtime.Event) {
	span, ok := h.takeStageSpan(e)
	if !ok {
		return
	}
	errMsg := payloadString(e, "error", "unknown error")
	generic, _ := e.Payload["generic"].(bool)

	span.SetAttributes(
		attribute.String("turnflow.duration", e.Elapsed.String()),
		attribute.Bool("turnflow.fallback", true),
		attribute.Bool("turnflow.generic_fallback", generic),
	)
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

// handleRouteDecision adds a span event to the turn span.
func (h *TracingHandler) handleRouteDecision(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.turnSpans[e.TurnID]
	h.mu.RUnlock()

	if !ok {
		return
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(
		attribute.String("turnflow.stage", string(e.Stage)),
		attribute.String("turnflow.rule", payloadString(e, "rule", "")),
		attribute.String("turnflow.decision", payloadString(e, "decision", "")),
	))
}

// handleTurnFinished ends the root turn span.
func (h *TracingHandler) handleTurnFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.turnSpans[e.TurnID]
	if ok {
		delete(h.turnSpans, e.TurnID)
		delete(h.turnCtxs, e.TurnID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	status := payloadString(e, "status", "")
	degraded, _ := e.Payload["degraded"].(bool)
	span.SetAttributes(
		attribute.String("turnflow.duration", e.Elapsed.String()),
		attribute.String("turnflow.status", status),
		attribute.Bool("turnflow.degraded", degraded),
	)

	if status == "failed" {
		span.SetStatus(codes.Error, payloadString(e, "error", "turn failed"))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext for the active stage span
// identified by turnID and stage. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(turnID string, stage core.StageName) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.stageSpans[stageKey(turnID, stage)]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveTurnSpanContext returns the SpanContext for the active turn span
// identified by turnID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveTurnSpanContext(turnID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.turnSpans[turnID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func payloadString(e runtime.Event, key, def string) string {
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return def
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
