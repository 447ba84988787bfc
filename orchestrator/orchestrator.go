// Package orchestrator is the public entry point of turnflow. It builds the
// initial turn state, validates it, delegates to the TurnScheduler and
// records per-tenant completion statistics. ProcessTurn never fails: every
// call returns a state with a final response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/fallback"
	"github.com/petal-labs/turnflow/graph"
	"github.com/petal-labs/turnflow/registry"
	"github.com/petal-labs/turnflow/runtime"
)

// Error states set by the orchestrator.
const (
	ErrorStateValidation = "validation_failed"
	ErrorStateInternal   = "internal_error"
)

// Sentinel errors.
var (
	ErrInvalidRequest = errors.New("invalid turn request")
	ErrMissingConfig  = errors.New("missing orchestrator dependency")
)

// TurnRequest is one raw customer message.
type TurnRequest struct {
	TenantID   string         `json:"tenant_id"`
	CustomerID string         `json:"customer_id,omitempty"`
	Input      string         `json:"input"`
	InputKind  core.InputKind `json:"input_kind"`
}

// Config wires an Orchestrator. Registry is required.
type Config struct {
	Registry  *registry.Registry
	Pipeline  *graph.Pipeline // default: graph.DefaultPipeline()
	Fallbacks *fallback.Table // default: fallback.Defaults()

	StageTimeout time.Duration // default: runtime.DefaultStageTimeout
	TurnTimeout  time.Duration // zero disables the turn deadline

	Logger *slog.Logger // default: slog.Default()

	EventHandler          runtime.EventHandler
	EventEmitterDecorator runtime.EventEmitterDecorator
	EventBus              runtime.EventPublisher

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
	// NewTurnID generates turn ids (default: uuid.NewString).
	NewTurnID func() string
}

// Orchestrator processes turns for any number of tenants concurrently.
type Orchestrator struct {
	registry  *registry.Registry
	scheduler *runtime.TurnScheduler
	pipeline  *graph.Pipeline
	logger    *slog.Logger
	now       func() time.Time
	newTurnID func() string

	stats sync.Map // tenantID -> *counters
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: registry", ErrMissingConfig)
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = graph.DefaultPipeline()
	}
	if cfg.Fallbacks == nil {
		cfg.Fallbacks = fallback.Defaults()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTurnID == nil {
		cfg.NewTurnID = uuid.NewString
	}

	uncovered, err := cfg.Fallbacks.Check(cfg.Pipeline.Slots())
	if err != nil {
		return nil, fmt.Errorf("fallback table does not match pipeline: %w", err)
	}
	if len(uncovered) > 0 {
		cfg.Logger.Warn("stages without a dedicated fallback use the generic default",
			slog.Any("stages", uncovered))
	}

	runner := runtime.NewStageRunner(cfg.Registry, runtime.RunnerOptions{
		StageTimeout: cfg.StageTimeout,
		Fallbacks:    cfg.Fallbacks,
		Logger:       cfg.Logger,
		Now:          cfg.Now,
	})
	scheduler := runtime.NewTurnScheduler(cfg.Pipeline, runner, runtime.SchedulerOptions{
		TurnTimeout:           cfg.TurnTimeout,
		Now:                   cfg.Now,
		EventHandler:          cfg.EventHandler,
		EventEmitterDecorator: cfg.EventEmitterDecorator,
		EventBus:              cfg.EventBus,
	})

	return &Orchestrator{
		registry:  cfg.Registry,
		scheduler: scheduler,
		pipeline:  cfg.Pipeline,
		logger:    cfg.Logger,
		now:       cfg.Now,
		newTurnID: cfg.NewTurnID,
	}, nil
}

// Registry returns the stage registry used by the orchestrator.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Pipeline returns the pipeline every turn walks.
func (o *Orchestrator) Pipeline() *graph.Pipeline {
	return o.pipeline
}

// Validate checks a turn request.
func Validate(req TurnRequest) error {
	var problems []string
	if strings.TrimSpace(req.TenantID) == "" {
		problems = append(problems, "tenant id is required")
	}
	if strings.TrimSpace(req.Input) == "" {
		problems = append(problems, "input is required")
	}
	if !req.InputKind.Valid() {
		problems = append(problems, fmt.Sprintf("input kind %q is not one of text, voice, image", req.InputKind))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// ProcessTurn runs one conversation turn. It always returns a sealed state
// with a final response; failures are reported through ErrorState.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) *core.ThreadState {
	start := o.now()
	state := o.initialState(req, start)
	tenant := req.TenantID
	if tenant != "" {
		o.counters(tenant).started.Add(1)
	}

	if err := Validate(req); err != nil {
		o.logger.Warn("turn rejected",
			slog.String("tenant_id", tenant),
			slog.String("turn_id", state.TurnID),
			slog.String("err", err.Error()))
		state = o.errorState(req, state.TurnID, start, ErrorStateValidation)
		o.record(tenant, state, o.now().Sub(start))
		return state
	}

	outcome, err := o.schedule(ctx, state)
	elapsed := o.now().Sub(start)
	if err != nil {
		o.logger.Error("turn engine failure",
			slog.String("tenant_id", tenant),
			slog.String("turn_id", state.TurnID),
			slog.Any("active_stages", state.ActiveStages()),
			slog.String("err", err.Error()))
		state = o.errorState(req, state.TurnID, start, ErrorStateInternal)
		o.record(tenant, state, elapsed)
		return state
	}

	o.logger.Info("turn processed",
		slog.String("tenant_id", tenant),
		slog.String("turn_id", state.TurnID),
		slog.Any("outcome", outcome),
		slog.Bool("degraded", state.Degraded()),
		slog.Bool("requires_human_review", state.RequiresHumanReview),
		slog.Int64("duration_ms", elapsed.Milliseconds()))
	o.record(tenant, state, elapsed)
	return state
}

// schedule runs the scheduler, converting panics into engine errors.
func (o *Orchestrator) schedule(ctx context.Context, state *core.ThreadState) (outcome runtime.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", runtime.ErrEngine, p)
		}
	}()
	return o.scheduler.Run(ctx, state)
}

func (o *Orchestrator) initialState(req TurnRequest, at time.Time) *core.ThreadState {
	s := core.NewThreadState(req.TenantID)
	s.TurnID = o.newTurnID()
	s.CustomerID = req.CustomerID
	s.CustomerInput = req.Input
	s.InputKind = req.InputKind
	s.ReceivedAt = at
	return s
}

// errorState builds the terminal state returned for rejected or failed
// turns: apology, terminated, flagged for human follow-up.
func (o *Orchestrator) errorState(req TurnRequest, turnID string, at time.Time, reason string) *core.ThreadState {
	s := o.initialState(req, at)
	s.TurnID = turnID
	s.ErrorState = reason
	s.RequiresHumanReview = true
	_ = s.SetFinalResponse(core.ApologyMessage)
	s.Terminate()
	s.Seal()
	return s
}
