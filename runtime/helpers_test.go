package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/graph"
	"github.com/petal-labs/turnflow/registry"
)

const testTenant = "acme"

var errStageBroken = errors.New("stage broken")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fill writes a successful value into the slot owned by name.
func fill(s *core.ThreadState, name core.StageName, slot core.Slot, text string) {
	switch slot {
	case core.SlotSafety:
		s.Safety = &core.SafetyResult{Status: core.SafetyApproved, RiskLevel: core.RiskLow, Violations: []core.Violation{}}
	case core.SlotEmotion:
		s.Emotion = &core.EmotionResult{Label: "positive", Score: 0.5, Confidence: 0.9}
	case core.SlotIntent:
		s.Intent = &core.IntentResult{Label: "product_inquiry", Category: "skincare", Confidence: 0.9}
	case core.SlotStrategy:
		s.Strategy = &core.StrategyResult{Strategy: core.StrategyBudget, Confidence: 0.9}
	case core.SlotAgent:
		if s.Agents == nil {
			s.Agents = map[core.StageName]*core.AgentResponse{}
		}
		s.Agents[name] = &core.AgentResponse{Agent: string(name), Text: text}
	case core.SlotRecommendation:
		s.Recommendation = &core.RecommendationResult{Status: "ok", Products: []core.Product{{ID: "p1", Name: "Gel Cleanser"}}}
	case core.SlotMemory:
		s.Memory = &core.MemoryResult{Status: "stored", Records: 1}
	case core.SlotResponse:
		s.Response = &core.ResponseResult{Text: text}
	default:
		if s.Custom == nil {
			s.Custom = map[core.StageName]*core.CustomResult{}
		}
		s.Custom[name] = &core.CustomResult{Text: text}
	}
}

// okStage succeeds after delay, populating its own slot.
func okStage(name core.StageName, delay time.Duration) core.Stage {
	slot := core.DefaultSlot(name)
	return core.StageFunc(func(ctx context.Context, s *core.ThreadState) (*core.ThreadState, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		fill(s, name, slot, string(name)+" says hi")
		return s, nil
	})
}

func failStage() core.Stage {
	return core.StageFunc(func(context.Context, *core.ThreadState) (*core.ThreadState, error) {
		return nil, errStageBroken
	})
}

// hangStage blocks until its deadline.
func hangStage() core.Stage {
	return core.StageFunc(func(ctx context.Context, s *core.ThreadState) (*core.ThreadState, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func blockStage(message string) core.Stage {
	return core.StageFunc(func(_ context.Context, s *core.ThreadState) (*core.ThreadState, error) {
		s.Safety = &core.SafetyResult{
			Status:      core.SafetyBlocked,
			RiskLevel:   core.RiskHigh,
			Violations:  []core.Violation{{RuleID: "banned_ingredients", Category: "ingredient_safety", Match: "mercury"}},
			UserMessage: message,
		}
		return s, nil
	})
}

// provisionAll registers okStage for every node of p under tenant.
func provisionAll(t *testing.T, reg *registry.Registry, tenant string, p *graph.Pipeline) {
	t.Helper()
	for _, name := range p.Names() {
		if err := reg.Register(tenant, name, okStage(name, 0)); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
}

func newState(input string) *core.ThreadState {
	s := core.NewThreadState(testTenant)
	s.TurnID = "turn-test"
	s.CustomerInput = input
	s.InputKind = core.InputText
	return s
}

// eventRecorder collects emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *eventRecorder) count(kind EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}
