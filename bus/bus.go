// Package bus distributes turn events from the scheduler to observers such
// as the event store, the SSE stream and telemetry, and persists them for
// replay.
package bus

import "github.com/petal-labs/turnflow/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for a single turn.
	// Returns a Subscription that must be closed when done.
	Subscribe(turnID string) Subscription

	// SubscribeTenant registers a subscriber for every turn of a tenant.
	// Returns a Subscription that must be closed when done.
	SubscribeTenant(tenantID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all turns.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan runtime.Event

	// Close unsubscribes and releases resources.
	Close() error
}
