package orchestrator

import "github.com/petal-labs/turnflow/core"

// Health statuses.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Health reports how much of the pipeline a tenant has registered.
type Health struct {
	TenantID     string           `json:"tenant_id"`
	Status       string           `json:"status"`
	Available    []core.StageName `json:"available"`
	Unavailable  []core.StageName `json:"unavailable"`
	Availability float64          `json:"availability"`
	Stats        Stats            `json:"stats"`
}

// Health checks registry coverage of the pipeline for tenantID. Missing
// stages are served by fallbacks, so a degraded tenant still answers.
func (o *Orchestrator) Health(tenantID string) Health {
	h := Health{
		TenantID:    tenantID,
		Available:   []core.StageName{},
		Unavailable: []core.StageName{},
		Stats:       o.Stats(tenantID),
	}
	for _, name := range o.pipeline.Names() {
		if _, ok := o.registry.Lookup(tenantID, name); ok {
			h.Available = append(h.Available, name)
		} else {
			h.Unavailable = append(h.Unavailable, name)
		}
	}
	if n := o.pipeline.Len(); n > 0 {
		h.Availability = float64(len(h.Available)) / float64(n) * 100
	}
	switch {
	case h.Availability >= 90:
		h.Status = HealthHealthy
	case h.Availability >= 70:
		h.Status = HealthWarning
	default:
		h.Status = HealthCritical
	}
	return h
}
