package bus

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/petal-labs/turnflow/runtime"
)

// memTurn is one turn's event log.
type memTurn struct {
	tenantID string
	last     time.Time
	events   []runtime.Event
}

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu    sync.RWMutex
	turns map[string]*memTurn // turnID -> log
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		turns: make(map[string]*memTurn),
	}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[event.TurnID]
	if !ok {
		t = &memTurn{tenantID: event.TenantID}
		s.turns[event.TurnID] = t
	}
	t.events = append(t.events, event)
	if event.Time.After(t.last) {
		t.last = event.Time
	}
	return nil
}

func (s *MemEventStore) List(_ context.Context, turnID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.turns[turnID]
	if !ok {
		return nil, nil
	}
	var result []runtime.Event
	for _, e := range t.events {
		if e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, turnID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	if t, ok := s.turns[turnID]; ok {
		for _, e := range t.events {
			maxSeq = max(maxSeq, e.Seq)
		}
	}
	return maxSeq, nil
}

// Turns orders a tenant's turns by their newest event time, then by id.
func (s *MemEventStore) Turns(_ context.Context, tenantID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		id   string
		last time.Time
	}
	var entries []entry
	for id, t := range s.turns {
		if t.tenantID == tenantID {
			entries = append(entries, entry{id: id, last: t.last})
		}
	}
	slices.SortFunc(entries, func(a, b entry) int {
		if c := b.last.Compare(a.last); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
