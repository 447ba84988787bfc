// Package stages provides reference implementations of the eight stages of
// the advisory pipeline. They are deterministic except for the sales agent,
// which drafts its reply with an LLMClient.
package stages

import (
	"errors"
	"fmt"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/memory"
	"github.com/petal-labs/turnflow/registry"
)

// Deps are the collaborators the reference stages need.
type Deps struct {
	LLM     core.LLMClient
	Memory  memory.Store  // default: an unbounded in-memory store
	Catalog []CatalogItem // default: DefaultCatalog()
	Rules   []Rule        // default: DefaultRules()

	Sales SalesAgentConfig // LLM and Memory are filled from Deps when unset
}

// Set builds the reference stages keyed by their built-in names.
func Set(deps Deps) map[core.StageName]core.Stage {
	if deps.Memory == nil {
		deps.Memory = memory.NewMemStore(0)
	}
	if deps.Catalog == nil {
		deps.Catalog = DefaultCatalog()
	}
	sales := deps.Sales
	if sales.LLM == nil {
		sales.LLM = deps.LLM
	}
	if sales.Memory == nil {
		sales.Memory = deps.Memory
	}

	return map[core.StageName]core.Stage{
		core.StageSafety:         NewSafetyReview(deps.Rules...),
		core.StageEmotion:        NewEmotionAnalyzer(),
		core.StageIntent:         NewIntentClassifier(),
		core.StageStrategy:       NewStrategySelector(),
		core.StageSalesAgent:     NewSalesAgent(sales),
		core.StageRecommendation: NewRecommender(deps.Catalog, 0),
		core.StageMemoryUpdate:   NewMemoryUpdater(deps.Memory, sales.Name),
		core.StageResponse:       NewResponseComposer(sales.Name),
	}
}

// Provision registers the reference stages for tenantID. Stages the tenant
// already has are left in place and reported in the returned error.
func Provision(reg *registry.Registry, tenantID string, deps Deps) error {
	var errs []error
	for name, stage := range Set(deps) {
		if err := reg.Register(tenantID, name, stage); err != nil {
			errs = append(errs, fmt.Errorf("provision %s/%s: %w", tenantID, name, err))
		}
	}
	return errors.Join(errs...)
}
