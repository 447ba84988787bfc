package orchestrator

import (
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/petal-labs/turnflow/core"
)

// counters hold one tenant's running totals. Each field is updated
// atomically by concurrently completing turns.
type counters struct {
	started      atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	totalNanos   atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

// Stats is a snapshot of one tenant's counters.
type Stats struct {
	TenantID       string        `json:"tenant_id"`
	TurnsStarted   int64         `json:"turns_started"`
	TurnsCompleted int64         `json:"turns_completed"`
	TurnsFailed    int64         `json:"turns_failed"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	LastActivity   time.Time     `json:"last_activity,omitempty"`
}

func (o *Orchestrator) counters(tenantID string) *counters {
	if v, ok := o.stats.Load(tenantID); ok {
		return v.(*counters)
	}
	v, _ := o.stats.LoadOrStore(tenantID, &counters{})
	return v.(*counters)
}

// record folds a finished turn into the tenant's counters. A turn counts as
// failed when it ends with an error state; degraded stages alone do not.
func (o *Orchestrator) record(tenantID string, state *core.ThreadState, elapsed time.Duration) {
	if tenantID == "" {
		return
	}
	c := o.counters(tenantID)
	if state.ErrorState != "" {
		c.failed.Add(1)
	} else {
		c.completed.Add(1)
	}
	c.totalNanos.Add(int64(elapsed))
	c.lastActivity.Store(o.now().UnixNano())
}

func (c *counters) snapshot(tenantID string) Stats {
	s := Stats{
		TenantID:       tenantID,
		TurnsStarted:   c.started.Load(),
		TurnsCompleted: c.completed.Load(),
		TurnsFailed:    c.failed.Load(),
	}
	if finished := s.TurnsCompleted + s.TurnsFailed; finished > 0 {
		s.SuccessRate = float64(s.TurnsCompleted) / float64(finished)
		s.AverageLatency = time.Duration(c.totalNanos.Load() / finished)
	}
	if last := c.lastActivity.Load(); last > 0 {
		s.LastActivity = time.Unix(0, last)
	}
	return s
}

// Stats returns the counters for tenantID. Unknown tenants report zeros.
func (o *Orchestrator) Stats(tenantID string) Stats {
	v, ok := o.stats.Load(tenantID)
	if !ok {
		return Stats{TenantID: tenantID}
	}
	return v.(*counters).snapshot(tenantID)
}

// AllStats returns the counters of every tenant that has processed a turn.
func (o *Orchestrator) AllStats() map[string]Stats {
	all := make(map[string]Stats)
	o.stats.Range(func(k, v any) bool {
		id := k.(string)
		all[id] = v.(*counters).snapshot(id)
		return true
	})
	return all
}

// Tenants returns the tenants with counters, sorted.
func (o *Orchestrator) Tenants() []string {
	return slices.Sorted(maps.Keys(o.AllStats()))
}

// ResetStats zeroes the counters for tenantID. Counters are never reset
// implicitly.
func (o *Orchestrator) ResetStats(tenantID string) {
	v, ok := o.stats.Load(tenantID)
	if !ok {
		return
	}
	c := v.(*counters)
	c.started.Store(0)
	c.completed.Store(0)
	c.failed.Store(0)
	c.totalNanos.Store(0)
	c.lastActivity.Store(0)
}

// ResetAllStats zeroes the counters of every tenant.
func (o *Orchestrator) ResetAllStats() {
	o.stats.Range(func(k, _ any) bool {
		o.ResetStats(k.(string))
		return true
	})
}
