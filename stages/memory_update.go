package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/memory"
)

// Memory update statuses.
const (
	MemoryStored  = "stored"
	MemorySkipped = "skipped"
)

// MemoryUpdater appends the customer input and the drafted reply to the
// conversation memory.
type MemoryUpdater struct {
	store memory.Store
	agent core.StageName
	now   func() time.Time
}

// NewMemoryUpdater creates the stage. The reply is read from the agent slot
// of agent (default: core.StageSalesAgent).
func NewMemoryUpdater(store memory.Store, agent core.StageName) *MemoryUpdater {
	if agent == "" {
		agent = core.StageSalesAgent
	}
	return &MemoryUpdater{store: store, agent: agent, now: time.Now}
}

func (m *MemoryUpdater) Execute(ctx context.Context, s *core.ThreadState) (*core.ThreadState, error) {
	if m.store == nil {
		return nil, errors.New("memory update: no store configured")
	}
	if s.CustomerID == "" {
		s.Memory = &core.MemoryResult{Status: MemorySkipped}
		return s, nil
	}

	at := m.now()
	records := []memory.Record{{
		TenantID:   s.TenantID(),
		CustomerID: s.CustomerID,
		TurnID:     s.TurnID,
		Role:       memory.RoleCustomer,
		Content:    s.CustomerInput,
		CreatedAt:  at,
	}}
	// Canned fallback replies are not worth remembering.
	if reply, ok := s.Agents[m.agent]; ok && reply != nil && !reply.Degraded && reply.Text != "" {
		records = append(records, memory.Record{
			TenantID:   s.TenantID(),
			CustomerID: s.CustomerID,
			TurnID:     s.TurnID,
			Role:       memory.RoleAssistant,
			Content:    reply.Text,
			CreatedAt:  at,
		})
	}

	if err := m.store.Append(ctx, records...); err != nil {
		return nil, fmt.Errorf("memory update: %w", err)
	}
	s.Memory = &core.MemoryResult{Status: MemoryStored, Records: len(records)}
	return s, nil
}
