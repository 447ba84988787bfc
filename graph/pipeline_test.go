package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/petal-labs/turnflow/core"
)

func TestDefaultPipeline_Steps(t *testing.T) {
	p := DefaultPipeline()
	if p.Len() != 8 {
		t.Fatalf("Len() = %d, want 8", p.Len())
	}

	steps := p.Steps()
	want := [][]core.StageName{
		{core.StageSafety},
		{core.StageEmotion, core.StageIntent},
		{core.StageStrategy},
		{core.StageSalesAgent},
		{core.StageMemoryUpdate, core.StageRecommendation},
		{core.StageResponse},
	}
	if len(steps) != len(want) {
		t.Fatalf("Steps() len = %d, want %d", len(steps), len(want))
	}
	for i, s := range steps {
		if fmt.Sprint(s.Names()) != fmt.Sprint(want[i]) {
			t.Errorf("step %d = %v, want %v", i, s.Names(), want[i])
		}
	}
	if !steps[1].Parallel() || steps[0].Parallel() {
		t.Error("Parallel() flags are wrong")
	}
	if p.Terminal().Name != core.StageResponse {
		t.Errorf("Terminal() = %q, want response", p.Terminal().Name)
	}
	if rules := p.RulesAfter(core.StageSafety); len(rules) != 1 || rules[0].Name != SafetyBlockRuleName {
		t.Errorf("RulesAfter(safety) = %v", rules)
	}
	if slot := p.Slots()[core.StageSalesAgent]; slot != core.SlotAgent {
		t.Errorf("sales_agent slot = %v, want agent", slot)
	}
}

func TestSafetyBlock(t *testing.T) {
	rule := SafetyBlock(core.StageSafety)
	s := core.NewThreadState("t")

	if rule.Predicate(s) != Continue {
		t.Error("missing safety result should continue")
	}
	s.Safety = &core.SafetyResult{Status: core.SafetyFlagged}
	if rule.Predicate(s) != Continue {
		t.Error("flagged should continue")
	}
	s.Safety = &core.SafetyResult{Status: core.SafetyBlocked}
	if rule.Predicate(s) != Terminate {
		t.Error("blocked should terminate")
	}
	if got := rule.Respond(s); got != RefusalMessage {
		t.Errorf("Respond() = %q, want refusal", got)
	}
	s.Safety.UserMessage = "custom refusal"
	if got := rule.Respond(s); got != "custom refusal" {
		t.Errorf("Respond() = %q, want custom refusal", got)
	}
}

func hasCode(diags []Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

func TestValidate(t *testing.T) {
	always := func(*core.ThreadState) Decision { return Continue }
	tests := []struct {
		name string
		cfg  Config
		code string
	}{
		{"empty", Config{}, "PG-001"},
		{"duplicate", Config{Nodes: []Node{{Name: "a"}, {Name: "a"}}}, "PG-002"},
		{"unknown dependency", Config{Nodes: []Node{{Name: "a", DependsOn: []core.StageName{"ghost"}}}}, "PG-003"},
		{"later dependency", Config{Nodes: []Node{{Name: "a", DependsOn: []core.StageName{"b"}}, {Name: "b"}}}, "PG-004"},
		{"self dependency", Config{Nodes: []Node{{Name: "a", DependsOn: []core.StageName{"a"}}}}, "PG-004"},
		{"unknown group member", Config{
			Nodes:  []Node{{Name: "a"}, {Name: "b"}},
			Groups: []ParallelGroup{{Names: []core.StageName{"a", "ghost"}}},
		}, "PG-005"},
		{"group members dependent", Config{
			Nodes:  []Node{{Name: "a"}, {Name: "b", DependsOn: []core.StageName{"a"}}, {Name: "c"}},
			Groups: []ParallelGroup{{Names: []core.StageName{"a", "b"}}},
		}, "PG-006"},
		{"group not contiguous", Config{
			Nodes:  []Node{{Name: "a"}, {Name: "x"}, {Name: "b"}, {Name: "c"}},
			Groups: []ParallelGroup{{Names: []core.StageName{"a", "b"}}},
		}, "PG-006"},
		{"rule unknown node", Config{
			Nodes: []Node{{Name: "a"}},
			Rules: []RoutingRule{{Name: "r", After: "ghost", Predicate: always}},
		}, "PG-007"},
		{"rule without predicate", Config{
			Nodes: []Node{{Name: "a"}},
			Rules: []RoutingRule{{Name: "r", After: "a"}},
		}, "PG-007"},
		{"terminal not last", Config{Nodes: []Node{{Name: "a"}, {Name: "b"}}, Terminal: "a"}, "PG-008"},
		{"terminal unknown", Config{Nodes: []Node{{Name: "a"}}, Terminal: "ghost"}, "PG-008"},
		{"slot conflict", Config{Nodes: []Node{{Name: "a", Slot: core.SlotIntent}, {Name: "b", Slot: core.SlotIntent}}}, "PG-009"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diags := Validate(tt.cfg)
			if !hasCode(diags, tt.code) {
				t.Errorf("Validate() = %v, want code %s", diags, tt.code)
			}
			if _, err := New(tt.cfg); !errors.Is(err, ErrInvalidPipeline) {
				t.Errorf("New() error = %v, want ErrInvalidPipeline", err)
			}
		})
	}
}

func TestValidate_SmallGroupWarns(t *testing.T) {
	cfg := Config{
		Nodes:  []Node{{Name: "a"}, {Name: "b"}},
		Groups: []ParallelGroup{{Names: []core.StageName{"a"}}},
	}
	diags := Validate(cfg)
	if HasErrors(diags) {
		t.Fatalf("unexpected errors: %v", Errors(diags))
	}
	if len(Warnings(diags)) != 1 {
		t.Errorf("Warnings() = %v, want one PG-005 warning", Warnings(diags))
	}
}

func TestValidate_DefaultConfigClean(t *testing.T) {
	if diags := Validate(DefaultConfig()); len(diags) != 0 {
		t.Errorf("DefaultConfig diagnostics = %v, want none", diags)
	}
}

func TestNew_DefaultsTerminalAndSlot(t *testing.T) {
	p, err := New(Config{Nodes: []Node{{Name: core.StageIntent}, {Name: "closing"}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Terminal().Name != "closing" {
		t.Errorf("Terminal() = %q, want closing", p.Terminal().Name)
	}
	n, _ := p.Node(core.StageIntent)
	if n.Slot != core.SlotIntent {
		t.Errorf("intent slot = %v, want intent", n.Slot)
	}
	n, _ = p.Node("closing")
	if n.Slot != core.SlotCustom {
		t.Errorf("closing slot = %v, want custom", n.Slot)
	}
}
