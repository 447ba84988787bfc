package cli

import (
	"fmt"
	"log/slog"

	"github.com/petal-labs/turnflow/config"
	"github.com/petal-labs/turnflow/memory"
	"github.com/petal-labs/turnflow/orchestrator"
	"github.com/petal-labs/turnflow/registry"
	"github.com/petal-labs/turnflow/runtime"
	"github.com/petal-labs/turnflow/stages"
)

// engineHooks are the optional observers attached to the orchestrator.
type engineHooks struct {
	EventHandler runtime.EventHandler
	Decorator    runtime.EventEmitterDecorator
	Bus          runtime.EventPublisher
}

// engine is an orchestrator with the reference stages behind it.
type engine struct {
	orch   *orchestrator.Orchestrator
	memory memory.Store
	deps   stages.Deps
}

func buildEngine(cfg config.Config, logger *slog.Logger, hooks engineHooks) (*engine, error) {
	pipeline, err := cfg.BuildPipeline()
	if err != nil {
		return nil, exitError(exitConfig, "building pipeline: %v", err)
	}
	mem, err := cfg.OpenMemory()
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	deps, err := cfg.StageDeps(mem)
	if err != nil {
		_ = mem.Close()
		return nil, exitError(exitConfig, "configuring llm: %v", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Registry:              registry.New(),
		Pipeline:              pipeline,
		StageTimeout:          cfg.Engine.StageTimeout,
		TurnTimeout:           cfg.Engine.TurnTimeout,
		Logger:                logger,
		EventHandler:          hooks.EventHandler,
		EventEmitterDecorator: hooks.Decorator,
		EventBus:              hooks.Bus,
	})
	if err != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	return &engine{orch: orch, memory: mem, deps: deps}, nil
}

// provision registers the reference stages for each tenant.
func (e *engine) provision(tenants ...string) error {
	for _, tenant := range tenants {
		if err := stages.Provision(e.orch.Registry(), tenant, e.deps); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) Close() error {
	return e.memory.Close()
}
