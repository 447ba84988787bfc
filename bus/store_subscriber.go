package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/turnflow/runtime"
)

// StoreSubscriber writes events to an EventStore.
// Its Handle method satisfies runtime.EventHandler.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store. Failures are logged and
// never reach the turn.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"turn_id", event.TurnID,
			"tenant_id", event.TenantID,
			"kind", event.Kind,
			"seq", event.Seq,
			"err", err,
		)
	}
}

// Consume persists every event delivered on sub until the subscription
// closes or ctx is done.
func (s *StoreSubscriber) Consume(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			s.Handle(e)
		}
	}
}
