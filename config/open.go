package config

import (
	"context"
	"fmt"

	"github.com/petal-labs/turnflow/bus"
	"github.com/petal-labs/turnflow/llmprovider"
	"github.com/petal-labs/turnflow/memory"
	"github.com/petal-labs/turnflow/stages"
)

// OpenMemory opens the configured conversation memory store.
func (c Config) OpenMemory() (memory.Store, error) {
	m := c.Memory
	switch m.Backend {
	case "", MemoryBackendMemory:
		return memory.NewMemStore(m.MaxPerCustomer), nil
	case MemoryBackendSQLite:
		store, err := memory.NewSQLiteStore(memory.SQLiteStoreConfig{DSN: m.DSN, MaxPerCustomer: m.MaxPerCustomer})
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		return store, nil
	case MemoryBackendRedis:
		opts := []memory.RedisOption{memory.WithMaxPerCustomer(m.MaxPerCustomer)}
		if m.TTL > 0 {
			opts = append(opts, memory.WithTTL(m.TTL))
		}
		return memory.NewRedisStore(m.Addr, m.Password, m.DB, opts...), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", m.Backend)
	}
}

// EventStore is a bus.EventStore with a retention pass and a Close.
type EventStore interface {
	bus.EventStore
	Prune(ctx context.Context) error
	Close() error
}

type memEvents struct {
	*bus.MemEventStore
}

func (memEvents) Prune(context.Context) error { return nil }
func (memEvents) Close() error                { return nil }

// OpenEventStore opens the configured event store. Without a DSN events
// are kept in memory and never pruned.
func (c Config) OpenEventStore() (EventStore, error) {
	if c.Events.DSN == "" {
		return memEvents{bus.NewMemEventStore()}, nil
	}
	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:            c.Events.DSN,
		RetentionAge:   c.Events.RetentionAge,
		RetentionCount: c.Events.RetentionCount,
	})
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return store, nil
}

// StageDeps builds the reference stage dependencies: the LLM client from
// the llm section, the given memory store and the configured catalog.
func (c Config) StageDeps(mem memory.Store) (stages.Deps, error) {
	llm, err := llmprovider.NewClient(c.LLM.Config)
	if err != nil {
		return stages.Deps{}, err
	}
	return stages.Deps{
		LLM:     llm,
		Memory:  mem,
		Catalog: c.Catalog,
		Sales: stages.SalesAgentConfig{
			Model:        c.LLM.Model,
			System:       c.LLM.System,
			Temperature:  c.LLM.Temperature,
			MaxTokens:    c.LLM.MaxTokens,
			HistoryLimit: c.LLM.HistoryLimit,
		},
	}, nil
}
