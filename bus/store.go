package bus

import (
	"context"

	"github.com/petal-labs/turnflow/runtime"
)

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns events for a turn, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, turnID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq for a turn (0 if no events).
	LatestSeq(ctx context.Context, turnID string) (uint64, error)

	// Turns returns a tenant's turn ids, most recently active first.
	// limit <= 0 returns all of them.
	Turns(ctx context.Context, tenantID string, limit int) ([]string, error)
}
