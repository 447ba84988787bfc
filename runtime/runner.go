package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/fallback"
	"github.com/petal-labs/turnflow/graph"
)

// Failure reasons recorded by the StageRunner. They never escape it.
var (
	ErrStageTimeout     = errors.New("stage deadline exceeded")
	ErrStageUnavailable = errors.New("stage not registered")
	ErrStagePanic       = errors.New("stage panicked")
)

// DefaultStageTimeout bounds a stage when neither the node nor the runner
// sets a timeout.
const DefaultStageTimeout = 10 * time.Second

// StageLookup resolves the handler for a tenant's stage.
// It is satisfied by *registry.Registry.
type StageLookup interface {
	Lookup(tenantID string, name core.StageName) (core.Stage, bool)
}

// RunnerOptions controls stage execution.
type RunnerOptions struct {
	// StageTimeout applies to nodes without their own timeout
	// (default: DefaultStageTimeout).
	StageTimeout time.Duration

	// Fallbacks supplies degraded results (default: fallback.Defaults()).
	Fallbacks *fallback.Table

	// Logger receives one record per stage (default: slog.Default()).
	Logger *slog.Logger

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

// StageRunner executes exactly one stage with bounded time. Every call
// returns a state carrying the stage's slot and a StageResult; failures are
// converted to fallbacks.
//
// A stage that misses its deadline is abandoned, not killed: its goroutine
// only ends when Execute returns. Stages must therefore honor ctx. A late
// return is logged at WARN and its output discarded.
type StageRunner struct {
	stages StageLookup
	opts   RunnerOptions
}

// NewStageRunner creates a runner resolving handlers through stages.
func NewStageRunner(stages StageLookup, opts RunnerOptions) *StageRunner {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = DefaultStageTimeout
	}
	if opts.Fallbacks == nil {
		opts.Fallbacks = fallback.Defaults()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &StageRunner{stages: stages, opts: opts}
}

// Fallbacks returns the runner's fallback table.
func (r *StageRunner) Fallbacks() *fallback.Table {
	return r.opts.Fallbacks
}

type execution struct {
	out *core.ThreadState
	err error
}

// Run executes node against a clone of state. The returned state is a
// clone with the node's slot populated, either by the stage or by its
// fallback applied to the input. state itself is never modified.
func (r *StageRunner) Run(ctx context.Context, node graph.Node, state *core.ThreadState) (*core.ThreadState, core.StageResult) {
	emit := EmitterFromContext(ctx)
	turnID, tenantID := state.TurnID, state.TenantID()

	start := r.opts.Now()
	emit(NewEvent(EventStageStarted, turnID).
		WithTenant(tenantID).
		WithStage(node.Name))

	out, err := r.execute(ctx, node, state)
	elapsed := r.opts.Now().Sub(start)

	result := core.StageResult{
		Stage:    node.Name,
		Slot:     node.Slot,
		Duration: elapsed,
	}

	if err == nil {
		result.Succeeded = true
		emit(NewEvent(EventStageFinished, turnID).
			WithTenant(tenantID).
			WithStage(node.Name).
			WithElapsed(elapsed))
		r.log(ctx, state, result, false)
		return out, result
	}

	out = state.Clone()
	generic := r.opts.Fallbacks.Apply(out, node.Name, node.Slot)
	result.UsedFallback = true
	result.FailureReason = err.Error()

	emit(NewEvent(EventStageFallback, turnID).
		WithTenant(tenantID).
		WithStage(node.Name).
		WithElapsed(elapsed).
		WithPayload("error", err.Error()).
		WithPayload("generic", generic))
	r.log(ctx, state, result, generic)
	return out, result
}

func (r *StageRunner) execute(ctx context.Context, node graph.Node, state *core.ThreadState) (*core.ThreadState, error) {
	handler, ok := r.stages.Lookup(state.TenantID(), node.Name)
	if !ok || handler == nil {
		return nil, fmt.Errorf("%w: %s", ErrStageUnavailable, node.Name)
	}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = r.opts.StageTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in := state.Clone()
	done := make(chan execution, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- execution{err: fmt.Errorf("%w: %v", ErrStagePanic, p)}
			}
		}()
		out, err := handler.Execute(stageCtx, in)
		done <- execution{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.out == nil || res.out.SlotValue(node.Name, node.Slot) == nil {
			return nil, fmt.Errorf("%w: %s (%s)", core.ErrSlotNotPopulated, node.Name, node.Slot)
		}
		return res.out, nil
	case <-stageCtx.Done():
		go r.watchAbandoned(node.Name, state.TurnID, state.TenantID(), done, r.opts.Now())
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrStageTimeout, node.Name, timeout)
		}
		return nil, fmt.Errorf("%s: %w", node.Name, stageCtx.Err())
	}
}

// watchAbandoned waits for a stage that outlived its deadline and logs
// when it finally returns.
func (r *StageRunner) watchAbandoned(name core.StageName, turnID, tenantID string, done <-chan execution, abandoned time.Time) {
	res := <-done
	attrs := []slog.Attr{
		slog.String("turn_id", turnID),
		slog.String("tenant_id", tenantID),
		slog.String("stage", string(name)),
		slog.Duration("overrun", r.opts.Now().Sub(abandoned)),
	}
	if res.err != nil {
		attrs = append(attrs, slog.String("error", res.err.Error()))
	}
	r.opts.Logger.LogAttrs(context.Background(), slog.LevelWarn, "abandoned stage returned", attrs...)
}

func (r *StageRunner) log(ctx context.Context, state *core.ThreadState, res core.StageResult, generic bool) {
	level := slog.LevelDebug
	msg := "stage finished"
	if res.UsedFallback {
		level = slog.LevelWarn
		msg = "stage fallback applied"
		if res.Stage == core.StageSafety {
			// Safety fails open; operators need to see it.
			level = slog.LevelError
			msg = "safety review fallback applied, turn approved without review"
		}
	}
	attrs := []slog.Attr{
		slog.String("stage", string(res.Stage)),
		slog.String("tenant_id", state.TenantID()),
		slog.String("turn_id", state.TurnID),
		slog.Bool("succeeded", res.Succeeded),
		slog.Bool("used_fallback", res.UsedFallback),
		slog.Int64("duration_ms", res.Duration.Milliseconds()),
	}
	if res.UsedFallback {
		attrs = append(attrs,
			slog.String("reason", res.FailureReason),
			slog.Bool("generic_fallback", generic))
	}
	r.opts.Logger.LogAttrs(ctx, level, msg, attrs...)
}
