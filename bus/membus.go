package bus

import (
	"slices"
	"sync"

	"github.com/petal-labs/turnflow/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

type scope uint8

const (
	scopeTurn scope = iota
	scopeTenant
	scopeAll
)

// MemBus is an in-memory event bus implementation.
type MemBus struct {
	mu      sync.RWMutex
	turns   map[string][]*memSub // turnID -> subscribers
	tenants map[string][]*memSub // tenantID -> subscribers
	global  []*memSub            // subscribers for all turns
	bufSize int
	closed  bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		turns:   make(map[string][]*memSub),
		tenants: make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to the subscribers of its turn, of its tenant and
// to global subscribers. If the bus is closed, the event is silently
// dropped.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.turns[event.TurnID] {
		sub.send(event)
	}
	if event.TenantID != "" {
		for _, sub := range b.tenants[event.TenantID] {
			sub.send(event)
		}
	}
	for _, sub := range b.global {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for a single turn.
func (b *MemBus) Subscribe(turnID string) Subscription {
	return b.add(scopeTurn, turnID)
}

// SubscribeTenant registers a subscriber for every turn of a tenant.
func (b *MemBus) SubscribeTenant(tenantID string) Subscription {
	return b.add(scopeTenant, tenantID)
}

// SubscribeAll registers a subscriber that receives events from all turns.
func (b *MemBus) SubscribeAll() Subscription {
	return b.add(scopeAll, "")
}

func (b *MemBus) add(sc scope, key string) *memSub {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.remove(sc, key, sub) }
	switch sc {
	case scopeTurn:
		b.turns[key] = append(b.turns[key], sub)
	case scopeTenant:
		b.tenants[key] = append(b.tenants[key], sub)
	default:
		b.global = append(b.global, sub)
	}
	return sub
}

// remove drops a closed subscription so turn-scoped entries do not pile up.
func (b *MemBus) remove(sc scope, key string, sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	drop := func(subs []*memSub) []*memSub {
		return slices.DeleteFunc(subs, func(s *memSub) bool { return s == sub })
	}
	switch sc {
	case scopeTurn:
		if b.turns[key] = drop(b.turns[key]); len(b.turns[key]) == 0 {
			delete(b.turns, key)
		}
	case scopeTenant:
		if b.tenants[key] = drop(b.tenants[key]); len(b.tenants[key]) == 0 {
			delete(b.tenants, key)
		}
	default:
		b.global = drop(b.global)
	}
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.turns {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, subs := range b.tenants {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.global {
		sub.close()
	}
	b.turns = make(map[string][]*memSub)
	b.tenants = make(map[string][]*memSub)
	b.global = nil
	return nil
}

// memSub is an in-memory subscription.
type memSub struct {
	ch     chan runtime.Event
	mu     sync.Mutex
	closed bool
	detach func()
}

func newMemSub(bufSize int) *memSub {
	return &memSub{
		ch: make(chan runtime.Event, bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	if s.close() && s.detach != nil {
		s.detach()
	}
	return nil
}

// close closes the channel once and reports whether this call did it.
func (s *memSub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// send delivers an event to the subscription's channel.
// If the channel is full or the subscription is closed, the event is dropped.
func (s *memSub) send(event runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		// Drop if channel full.
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
