// Package runtime provides the turn execution engine: the StageRunner that
// executes one stage with bounded time and total failure isolation, and the
// TurnScheduler that walks a pipeline.
package runtime

import (
	"time"

	"github.com/petal-labs/turnflow/core"
)

// EventKind identifies the type of event emitted by the runtime.
type EventKind string

const (
	// EventTurnStarted is emitted when the scheduler begins a turn.
	EventTurnStarted EventKind = "turn.started"

	// EventStageStarted is emitted when a stage begins execution.
	EventStageStarted EventKind = "stage.started"

	// EventStageFinished is emitted when a stage returns its own result.
	EventStageFinished EventKind = "stage.finished"

	// EventStageFallback is emitted when a stage failed, timed out or was
	// missing and its fallback was applied instead.
	EventStageFallback EventKind = "stage.fallback"

	// EventRouteDecision is emitted when a routing rule is evaluated.
	EventRouteDecision EventKind = "route.decision"

	// EventTurnFinished is emitted when a turn reaches a terminal state.
	EventTurnFinished EventKind = "turn.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a turn.
// Events should be kept small.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"kind"`

	// TurnID is the unique identifier of the turn.
	TurnID string `json:"turn_id"`

	// TenantID is the tenant the turn belongs to.
	TenantID string `json:"tenant_id"`

	// Stage is the stage that produced this event (empty for turn-level events).
	Stage core.StageName `json:"stage,omitempty"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Elapsed is the duration since the turn or stage started.
	Elapsed time.Duration `json:"elapsed"`

	// Payload contains event-specific data.
	Payload map[string]any `json:"payload,omitempty"`

	// Seq is a monotonic sequence number per turn (1-indexed).
	Seq uint64 `json:"seq"`

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string `json:"span_id,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, turnID string) Event {
	return Event{
		Kind:    kind,
		TurnID:  turnID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithTenant sets the tenant on the event.
func (e Event) WithTenant(tenantID string) Event {
	e.TenantID = tenantID
	return e
}

// WithStage sets the stage on the event.
func (e Event) WithStage(stage core.StageName) Event {
	e.Stage = stage
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
// The scheduler places an emitter in the stage context so stages can emit
// their own events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events (for example with trace metadata).
// The decorated emitter runs outside the scheduler's ordering lock and may
// be called concurrently by parallel stages.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the runtime
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed. Within one
// turn the scheduler calls the handler serially in Seq order, so a handler
// used by a single turn needs no locking. Handlers shared across turns
// must still be safe for concurrent use. A handler must not block for long
// or emit events itself.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
