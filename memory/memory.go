// Package memory stores the conversation history the sales agent reads and
// the memory update stage writes. Records are scoped by tenant and customer.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrInvalidRecord is returned when a record lacks its tenant, customer or
// content.
var ErrInvalidRecord = errors.New("invalid memory record")

// Roles of a stored record.
const (
	RoleCustomer  = "customer"
	RoleAssistant = "assistant"
)

// Record is one remembered utterance.
type Record struct {
	TenantID   string    `json:"tenant_id"`
	CustomerID string    `json:"customer_id"`
	TurnID     string    `json:"turn_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the fields every store requires.
func (r Record) Validate() error {
	switch {
	case r.TenantID == "":
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRecord)
	case r.CustomerID == "":
		return fmt.Errorf("%w: customer id is required", ErrInvalidRecord)
	case r.Content == "":
		return fmt.Errorf("%w: content is required", ErrInvalidRecord)
	}
	return nil
}

// Store persists conversation records.
type Store interface {
	// Append stores records in order. Either all records are stored or none.
	Append(ctx context.Context, records ...Record) error

	// Recent returns up to limit of the customer's newest records, oldest
	// first. limit <= 0 returns all of them.
	Recent(ctx context.Context, tenantID, customerID string, limit int) ([]Record, error)

	// Prune deletes records created before cutoff.
	Prune(ctx context.Context, cutoff time.Time) error

	// Close releases resources held by the store.
	Close() error
}

func validateAll(records []Record) error {
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type conversationKey struct {
	tenant, customer string
}

// MemStore is a thread-safe in-memory Store.
type MemStore struct {
	mu    sync.RWMutex
	convs map[conversationKey][]Record
	max   int
}

// NewMemStore creates an in-memory store keeping at most maxPerCustomer
// records per conversation (0 = unbounded).
func NewMemStore(maxPerCustomer int) *MemStore {
	return &MemStore{
		convs: make(map[conversationKey][]Record),
		max:   maxPerCustomer,
	}
}

func (s *MemStore) Append(_ context.Context, records ...Record) error {
	if err := validateAll(records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		k := conversationKey{r.TenantID, r.CustomerID}
		conv := append(s.convs[k], r)
		if s.max > 0 && len(conv) > s.max {
			conv = slices.Clone(conv[len(conv)-s.max:])
		}
		s.convs[k] = conv
	}
	return nil
}

func (s *MemStore) Recent(_ context.Context, tenantID, customerID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv := s.convs[conversationKey{tenantID, customerID}]
	if limit > 0 && len(conv) > limit {
		conv = conv[len(conv)-limit:]
	}
	return slices.Clone(conv), nil
}

func (s *MemStore) Prune(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, conv := range s.convs {
		kept := slices.DeleteFunc(slices.Clone(conv), func(r Record) bool {
			return r.CreatedAt.Before(cutoff)
		})
		if len(kept) == 0 {
			delete(s.convs, k)
			continue
		}
		s.convs[k] = kept
	}
	return nil
}

func (s *MemStore) Close() error { return nil }

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
