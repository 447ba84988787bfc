package stages

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/fallback"
	"github.com/petal-labs/turnflow/orchestrator"
	"github.com/petal-labs/turnflow/registry"
)

func newAdvisor(t *testing.T, llm core.LLMClient) (*orchestrator.Orchestrator, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	if err := Provision(reg, "acme", Deps{LLM: llm}); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	o, err := orchestrator.New(orchestrator.Config{
		Registry:     reg,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		StageTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	return o, reg
}

func TestProvision_RegistersAllStages(t *testing.T) {
	reg := registry.New()
	if err := Provision(reg, "acme", Deps{LLM: &scriptedLLM{reply: "ok"}}); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if got := len(reg.ListStages("acme")); got != 8 {
		t.Errorf("ListStages len = %d, want 8", got)
	}

	err := Provision(reg, "acme", Deps{})
	if !errors.Is(err, registry.ErrAlreadyRegistered) {
		t.Errorf("second Provision error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestAdvisor_CleanTurn(t *testing.T) {
	o, _ := newAdvisor(t, &scriptedLLM{reply: "A gentle foaming cleanser will balance oily skin."})

	s := o.ProcessTurn(context.Background(), orchestrator.TurnRequest{
		TenantID:   "acme",
		CustomerID: "c-1",
		Input:      "I have oily skin, recommend a cleanser",
		InputKind:  core.InputText,
	})

	if s.Safety.Status != core.SafetyApproved {
		t.Errorf("Safety = %q, want approved", s.Safety.Status)
	}
	if s.Intent.Label != IntentInterested || s.Intent.Category != CategorySkincare {
		t.Errorf("Intent = %+v", s.Intent)
	}
	if s.Recommendation.Status != RecommendationOK || s.Recommendation.Products[0].ID != "sk-001" {
		t.Errorf("Recommendation = %+v", s.Recommendation)
	}
	if s.Memory.Status != MemoryStored {
		t.Errorf("Memory = %+v", s.Memory)
	}
	if !strings.HasPrefix(s.FinalResponse(), "A gentle foaming cleanser") || !strings.Contains(s.FinalResponse(), "Gentle Foaming Cleanser") {
		t.Errorf("FinalResponse = %q", s.FinalResponse())
	}
	if len(s.ActiveStages()) != 8 || s.Degraded() || s.RequiresHumanReview {
		t.Errorf("active=%d degraded=%v review=%v", len(s.ActiveStages()), s.Degraded(), s.RequiresHumanReview)
	}
}

func TestAdvisor_BlockedTurn(t *testing.T) {
	llm := &scriptedLLM{reply: "unused"}
	o, _ := newAdvisor(t, llm)

	s := o.ProcessTurn(context.Background(), orchestrator.TurnRequest{
		TenantID:  "acme",
		Input:     "Can this cream cure my eczema?",
		InputKind: core.InputText,
	})

	if !s.Terminated() || s.FinalResponse() != BlockedMessage {
		t.Errorf("terminated=%v final=%q", s.Terminated(), s.FinalResponse())
	}
	if got := s.ActiveStages(); len(got) != 1 || got[0] != core.StageSafety {
		t.Errorf("ActiveStages = %v, want [safety_review]", got)
	}
	if llm.called != 0 {
		t.Errorf("LLM called %d times on a blocked turn", llm.called)
	}
}

func TestAdvisor_LLMOutage(t *testing.T) {
	o, _ := newAdvisor(t, &scriptedLLM{err: errors.New("503")})

	s := o.ProcessTurn(context.Background(), orchestrator.TurnRequest{
		TenantID:   "acme",
		CustomerID: "c-2",
		Input:      "recommend a cleanser",
		InputKind:  core.InputText,
	})

	agent := s.Agents[core.StageSalesAgent]
	if agent == nil || !agent.Degraded || agent.Text != fallback.SalesFallbackText {
		t.Errorf("sales slot = %+v, want degraded fallback", agent)
	}
	if !strings.HasPrefix(s.FinalResponse(), fallback.SalesFallbackText) {
		t.Errorf("FinalResponse = %q", s.FinalResponse())
	}
	if s.ErrorState != "" {
		t.Errorf("ErrorState = %q, want empty for a degraded turn", s.ErrorState)
	}
}

func TestAdvisor_MissingIntent(t *testing.T) {
	o, reg := newAdvisor(t, &scriptedLLM{reply: "Here is a suggestion."})
	if err := reg.Deregister("acme", core.StageIntent); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	s := o.ProcessTurn(context.Background(), orchestrator.TurnRequest{
		TenantID:  "acme",
		Input:     "recommend a cleanser",
		InputKind: core.InputText,
	})

	if s.Intent == nil || !s.Intent.Degraded || s.Intent.Label != "general_inquiry" {
		t.Errorf("Intent = %+v, want degraded general_inquiry", s.Intent)
	}
	r, ok := s.Result(core.StageIntent)
	if !ok || !r.UsedFallback {
		t.Errorf("intent result = %+v", r)
	}
	if !strings.HasPrefix(s.FinalResponse(), "Here is a suggestion.") {
		t.Errorf("FinalResponse = %q", s.FinalResponse())
	}
}
