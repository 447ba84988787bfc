package runtime

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/graph"
)

// Error states recorded on the turn by the scheduler.
const (
	ErrorStateTurnTimeout  = "turn_timeout"
	ErrorStateTurnCanceled = "turn_canceled"
)

// ErrEngine wraps failures of the scheduler itself. Stage failures never
// produce it.
var ErrEngine = errors.New("turn engine failure")

// TurnState is the scheduler's state machine position.
type TurnState int

const (
	StatePending TurnState = iota
	StateRunning
	StateShortCircuited
	StateCompleted
	// StateTimedOut is reached when the turn deadline expires; the state
	// holds whatever was merged before it.
	StateTimedOut
)

var turnStateNames = [...]string{"pending", "running", "short_circuited", "completed", "timed_out"}

// String returns the state name.
func (s TurnState) String() string {
	if int(s) < len(turnStateNames) {
		return turnStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends the turn.
func (s TurnState) Terminal() bool {
	return s == StateShortCircuited || s == StateCompleted || s == StateTimedOut
}

// SchedulerOptions controls turn execution.
type SchedulerOptions struct {
	// TurnTimeout caps the whole turn. Zero means no turn deadline.
	TurnTimeout time.Duration

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// EventHandler receives events during execution.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	// If nil, events are emitted without decoration.
	EventEmitterDecorator EventEmitterDecorator

	// EventBus distributes events to subscribers.
	// If nil, events are only sent to EventHandler.
	EventBus EventPublisher
}

// Outcome summarizes a finished turn.
type Outcome struct {
	State TurnState
	// RuleName is the routing rule that short-circuited the turn, if any.
	RuleName string
	Elapsed  time.Duration
}

// TurnScheduler walks a pipeline, running each step through the
// StageRunner and merging results into the turn state.
type TurnScheduler struct {
	pipeline *graph.Pipeline
	runner   *StageRunner
	opts     SchedulerOptions
}

// NewTurnScheduler creates a scheduler for pipeline.
func NewTurnScheduler(pipeline *graph.Pipeline, runner *StageRunner, opts SchedulerOptions) *TurnScheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TurnScheduler{pipeline: pipeline, runner: runner, opts: opts}
}

// Pipeline returns the scheduled pipeline.
func (s *TurnScheduler) Pipeline() *graph.Pipeline {
	return s.pipeline
}

type stageOutput struct {
	node   graph.Node
	out    *core.ThreadState
	result core.StageResult
}

// Run executes the turn in place. On return state has its final response
// set and is sealed. An error is returned only for engine failures, in
// which case state may be partially merged.
func (s *TurnScheduler) Run(ctx context.Context, state *core.ThreadState) (Outcome, error) {
	if state.Sealed() || state.Terminated() {
		return Outcome{State: StatePending}, fmt.Errorf("%w: %w", ErrEngine, core.ErrStateSealed)
	}
	if state.TurnID == "" {
		state.TurnID = generateTurnID()
	}

	if s.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TurnTimeout)
		defer cancel()
	}

	// Parallel members emit concurrently. Holding mu across numbering and
	// delivery keeps the bus and handler in seq order and never calls the
	// handler from two goroutines at once.
	var mu sync.Mutex
	seq := newSeqGen()
	emit := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		e.Seq = seq.Next()
		if s.opts.EventBus != nil {
			s.opts.EventBus.Publish(e)
		}
		if s.opts.EventHandler != nil {
			s.opts.EventHandler(e)
		}
	}
	if s.opts.EventEmitterDecorator != nil {
		emit = s.opts.EventEmitterDecorator(emit)
	}
	ctx = ContextWithEmitter(ctx, emit)

	turnStart := s.opts.Now()
	emit(NewEvent(EventTurnStarted, state.TurnID).
		WithTenant(state.TenantID()).
		WithPayload("stages", s.pipeline.Len()))

	outcome, err := s.walk(ctx, state, emit, turnStart)
	outcome.Elapsed = s.opts.Now().Sub(turnStart)

	finish := NewEvent(EventTurnFinished, state.TurnID).
		WithTenant(state.TenantID()).
		WithElapsed(outcome.Elapsed).
		WithPayload("active_stages", len(state.ActiveStages())).
		WithPayload("degraded", state.Degraded())
	if err != nil {
		finish = finish.
			WithPayload("status", "failed").
			WithPayload("error", err.Error())
	} else {
		finish = finish.WithPayload("status", outcome.State.String())
	}
	emit(finish)

	return outcome, err
}

func (s *TurnScheduler) walk(ctx context.Context, state *core.ThreadState, emit EventEmitter, turnStart time.Time) (Outcome, error) {
	for _, step := range s.pipeline.Steps() {
		if ctx.Err() != nil {
			return s.finishInterrupted(ctx, state)
		}

		for _, so := range s.runStep(ctx, step, state) {
			if err := merge(state, so); err != nil {
				return Outcome{State: StateRunning}, fmt.Errorf("%w: merging %s: %w", ErrEngine, so.node.Name, err)
			}
		}

		for _, node := range step.Nodes {
			for _, rule := range s.pipeline.RulesAfter(node.Name) {
				decision, err := evaluate(rule, state)
				if err != nil {
					return Outcome{State: StateRunning}, err
				}
				emit(NewEvent(EventRouteDecision, state.TurnID).
					WithTenant(state.TenantID()).
					WithStage(node.Name).
					WithElapsed(s.opts.Now().Sub(turnStart)).
					WithPayload("rule", rule.Name).
					WithPayload("decision", decision.String()))
				if decision == graph.Terminate {
					return s.finishShortCircuit(state, rule)
				}
			}
		}
	}

	if ctx.Err() != nil {
		return s.finishInterrupted(ctx, state)
	}
	return s.finishCompleted(state)
}

// runStep runs the step's nodes and returns their outputs in merge order.
// Parallel members run concurrently against the same pre-step state; the
// join waits for every member regardless of individual failures.
func (s *TurnScheduler) runStep(ctx context.Context, step graph.Step, state *core.ThreadState) []stageOutput {
	outputs := make([]stageOutput, len(step.Nodes))
	if !step.Parallel() {
		node := step.Nodes[0]
		out, res := s.runner.Run(ctx, node, state)
		outputs[0] = stageOutput{node: node, out: out, result: res}
		return outputs
	}

	var g errgroup.Group
	for i, node := range step.Nodes {
		g.Go(func() error {
			out, res := s.runner.Run(ctx, node, state)
			outputs[i] = stageOutput{node: node, out: out, result: res}
			return nil
		})
	}
	_ = g.Wait()
	return outputs
}

func merge(state *core.ThreadState, so stageOutput) error {
	if err := state.AdoptSlot(so.node.Name, so.node.Slot, so.out); err != nil {
		return err
	}
	if err := state.MarkActive(so.node.Name); err != nil {
		return err
	}
	state.RecordResult(so.result)
	return nil
}

func evaluate(rule graph.RoutingRule, state *core.ThreadState) (d graph.Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: routing rule %s panicked: %v", ErrEngine, rule.Name, p)
		}
	}()
	return rule.Predicate(state), nil
}

func (s *TurnScheduler) finishShortCircuit(state *core.ThreadState, rule graph.RoutingRule) (Outcome, error) {
	text := ""
	if rule.Respond != nil {
		text = rule.Respond(state)
	}
	if text == "" {
		text = graph.RefusalMessage
	}
	if err := s.seal(state, text); err != nil {
		return Outcome{State: StateRunning}, err
	}
	state.Terminate()
	return Outcome{State: StateShortCircuited, RuleName: rule.Name}, nil
}

func (s *TurnScheduler) finishCompleted(state *core.ThreadState) (Outcome, error) {
	terminal := s.pipeline.Terminal()
	text := state.SlotText(terminal.Name, terminal.Slot)
	if text == "" {
		text = core.ApologyMessage
	}
	if err := s.seal(state, text); err != nil {
		return Outcome{State: StateRunning}, err
	}
	return Outcome{State: StateCompleted}, nil
}

func (s *TurnScheduler) finishInterrupted(ctx context.Context, state *core.ThreadState) (Outcome, error) {
	state.ErrorState = ErrorStateTurnTimeout
	if errors.Is(ctx.Err(), context.Canceled) {
		state.ErrorState = ErrorStateTurnCanceled
	}
	if err := s.seal(state, s.bestResponse(state)); err != nil {
		return Outcome{State: StateRunning}, err
	}
	return Outcome{State: StateTimedOut}, nil
}

// bestResponse returns the text of the latest stage that produced one,
// skipping the safety slot.
func (s *TurnScheduler) bestResponse(state *core.ThreadState) string {
	nodes := s.pipeline.Nodes()
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n.Slot == core.SlotSafety {
			continue
		}
		if text := state.SlotText(n.Name, n.Slot); text != "" {
			return text
		}
	}
	return core.ApologyMessage
}

func (s *TurnScheduler) seal(state *core.ThreadState, text string) error {
	if state.Safety != nil && (state.Safety.Status == core.SafetyFlagged || state.Safety.NeedsReview || state.Safety.Degraded) {
		state.RequiresHumanReview = true
	}
	if err := state.SetFinalResponse(text); err != nil {
		return fmt.Errorf("%w: %w", ErrEngine, err)
	}
	state.Seal()
	return nil
}

// generateTurnID creates a unique turn identifier.
func generateTurnID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("turn-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// LogValue implements slog.LogValuer.
func (o Outcome) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("state", o.State.String()),
		slog.String("rule", o.RuleName),
		slog.Int64("elapsed_ms", o.Elapsed.Milliseconds()),
	)
}
