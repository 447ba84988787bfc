// Package sse provides Server-Sent Events handlers for streaming turn
// events to HTTP clients. The turn stream replays stored events and then
// follows the event bus; the tenant stream follows live events only.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/turnflow/bus"
	"github.com/petal-labs/turnflow/runtime"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the JSON-serializable representation of a runtime event
// sent over the SSE stream.
type sseEvent struct {
	Kind      string         `json:"kind"`
	TurnID    string         `json:"turn_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Time      time.Time      `json:"time"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func toSSEEvent(e runtime.Event) sseEvent {
	return sseEvent{
		Kind:      string(e.Kind),
		TurnID:    e.TurnID,
		TenantID:  e.TenantID,
		Stage:     string(e.Stage),
		Time:      e.Time,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// SSEHandler serves an SSE stream of events for a single turn.
// It first replays stored events from the EventStore, then subscribes to live
// events via the EventBus. Duplicate events (by sequence number) are skipped.
//
// The handler expects a "turn_id" path value and an optional "after" query
// parameter to specify the last-seen sequence number.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every HeartbeatInterval.
// The stream closes when a "turn.finished" event is sent or the client disconnects.
type SSEHandler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
}

// Option configures a handler.
type Option func(*options)

type options struct {
	heartbeat time.Duration
}

// WithHeartbeat overrides HeartbeatInterval.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeat = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{heartbeat: HeartbeatInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSSEHandler creates a new SSEHandler with the given EventStore and EventBus.
func NewSSEHandler(store bus.EventStore, eb bus.EventBus, opts ...Option) *SSEHandler {
	o := buildOptions(opts)
	return &SSEHandler{
		store:     store,
		bus:       eb,
		heartbeat: o.heartbeat,
	}
}

// ServeHTTP implements http.Handler. It streams events for the turn
// identified by the "turn_id" path value.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	turnID := r.PathValue("turn_id")
	if turnID == "" {
		http.Error(w, "missing turn_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	afterSeq, err := parseAfter(r)
	if err != nil {
		http.Error(w, "invalid after parameter", http.StatusBadRequest)
		return
	}

	startStream(w, flusher)
	ctx := r.Context()

	// Subscribe to live events before replaying stored events, to avoid
	// missing events that arrive between replay and subscription.
	sub := h.bus.Subscribe(turnID)
	defer sub.Close()

	lastSeq := afterSeq
	finished, err := h.replayStored(ctx, w, flusher, turnID, afterSeq, &lastSeq)
	if err != nil || finished {
		return
	}

	streamLive(ctx, w, flusher, sub, h.heartbeat, func(evt runtime.Event) (bool, bool) {
		// Dedup: skip events already sent during replay.
		if evt.Seq <= lastSeq {
			return false, false
		}
		lastSeq = evt.Seq
		return true, evt.Kind == runtime.EventTurnFinished
	})
}

// replayStored replays events from the store, writing them to the SSE stream.
// It returns true if a turn.finished event was sent.
func (h *SSEHandler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	turnID string,
	afterSeq uint64,
	lastSeq *uint64,
) (finished bool, err error) {
	events, err := h.store.List(ctx, turnID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if err := writeSSEEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()

		*lastSeq = max(*lastSeq, evt.Seq)
		if evt.Kind == runtime.EventTurnFinished {
			return true, nil
		}
	}

	return false, nil
}

// TenantHandler serves a live SSE stream of every turn event for a tenant.
// It expects a "tenant_id" path value and runs until the client disconnects.
// Sequence numbers are per turn, so no deduplication is applied.
type TenantHandler struct {
	bus       bus.EventBus
	heartbeat time.Duration
}

// NewTenantHandler creates a TenantHandler.
func NewTenantHandler(eb bus.EventBus, opts ...Option) *TenantHandler {
	o := buildOptions(opts)
	return &TenantHandler{bus: eb, heartbeat: o.heartbeat}
}

// ServeHTTP implements http.Handler.
func (h *TenantHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")
	if tenantID == "" {
		http.Error(w, "missing tenant_id", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := h.bus.SubscribeTenant(tenantID)
	defer sub.Close()

	startStream(w, flusher)
	streamLive(r.Context(), w, flusher, sub, h.heartbeat, func(runtime.Event) (bool, bool) {
		return true, false
	})
}

func parseAfter(r *http.Request) (uint64, error) {
	afterStr := r.URL.Query().Get("after")
	if afterStr == "" {
		return 0, nil
	}
	return strconv.ParseUint(afterStr, 10, 64)
}

func startStream(w http.ResponseWriter, flusher http.Flusher) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
}

// streamLive writes events from sub until the client goes away, the
// subscription closes or filter reports the stream is done. filter
// returns whether to send the event and whether to stop after it.
func streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	interval time.Duration,
	filter func(runtime.Event) (send, done bool),
) {
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			send, done := filter(evt)
			if send {
				if err := writeSSEEvent(w, evt); err != nil {
					return
				}
				flusher.Flush()
			}
			if done {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt runtime.Event) error {
	data, err := json.Marshal(toSSEEvent(evt))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
