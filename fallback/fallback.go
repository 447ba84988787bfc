// Package fallback provides the degraded substitutes applied when a stage
// fails, times out or is not registered.
//
// Every Fallback writes the same slot the real stage would, with
// Degradation set, so consumers of the slot need no special cases.
// Fallbacks are pure: no I/O, no errors.
package fallback

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/petal-labs/turnflow/core"
)

// ErrSlotMismatch is returned when a fallback writes a different slot than
// the stage it is bound to.
var ErrSlotMismatch = errors.New("fallback slot mismatch")

// Fallback produces a degraded result for one stage.
type Fallback interface {
	// Slot is the slot Apply populates.
	Slot() core.Slot
	// Apply writes the degraded slot value into state.
	Apply(state *core.ThreadState, stage core.StageName)
}

// Typed adapters. Each one owns a single slot, so a table entry can only
// ever populate the slot its type names.
type (
	SafetyFunc         func(*core.ThreadState) core.SafetyResult
	EmotionFunc        func(*core.ThreadState) core.EmotionResult
	IntentFunc         func(*core.ThreadState) core.IntentResult
	StrategyFunc       func(*core.ThreadState) core.StrategyResult
	AgentFunc          func(*core.ThreadState) core.AgentResponse
	RecommendationFunc func(*core.ThreadState) core.RecommendationResult
	MemoryFunc         func(*core.ThreadState) core.MemoryResult
	ResponseFunc       func(*core.ThreadState) core.ResponseResult
	CustomFunc         func(*core.ThreadState) core.CustomResult
)

func (SafetyFunc) Slot() core.Slot         { return core.SlotSafety }
func (EmotionFunc) Slot() core.Slot        { return core.SlotEmotion }
func (IntentFunc) Slot() core.Slot         { return core.SlotIntent }
func (StrategyFunc) Slot() core.Slot       { return core.SlotStrategy }
func (AgentFunc) Slot() core.Slot          { return core.SlotAgent }
func (RecommendationFunc) Slot() core.Slot { return core.SlotRecommendation }
func (MemoryFunc) Slot() core.Slot         { return core.SlotMemory }
func (ResponseFunc) Slot() core.Slot       { return core.SlotResponse }
func (CustomFunc) Slot() core.Slot         { return core.SlotCustom }

func (f SafetyFunc) Apply(s *core.ThreadState, _ core.StageName) {
	r := f(s)
	r.Degraded = true
	s.Safety = &r
}

func (f EmotionFunc) Apply(s *core.ThreadState, _ core.StageName) {
	r := f(s)
	r.Degraded = true
	s.Emotion = &r
}

func (f IntentFunc) Apply(s *core.ThreadState, _ core.StageName) {
	r := f(s)
	r.Degraded = true
	s.Intent = &r
}

func (f StrategyFunc) Apply(s *core.ThreadState, _ core.StageName) {
	r := f(s)
	r.Degraded = true
	s.Strategy = &r
}

func (f AgentFunc) Apply(s *core.ThreadState, stage core.StageName) {
	r := f(s)
	r.Degraded = true
	if s.Agents == nil {
		s.Agents = make(map[core.StageName]*core.AgentResponse)
	}
	s.Agents[stage] = &r
}

func (f RecommendationFunc) Apply(s *core.ThreadState, _ core.StageName) {
	r := f(s)
	r.Degraded = true
	s.Recommendation = &r
}

func (f MemoryFunc) Apply(s *core.ThreadState, _ core.StageName) {
	r := f(s)
	r.Degraded = true
	s.Memory = &r
}

func (f ResponseFunc) Apply(s *core.ThreadState, _ core.StageName) {
	r := f(s)
	r.Degraded = true
	s.Response = &r
}

func (f CustomFunc) Apply(s *core.ThreadState, stage core.StageName) {
	r := f(s)
	r.Degraded = true
	if s.Custom == nil {
		s.Custom = make(map[core.StageName]*core.CustomResult)
	}
	s.Custom[stage] = &r
}

// UnavailableState is the error state the generic default records for a stage.
func UnavailableState(stage core.StageName) string {
	return string(stage) + "_unavailable"
}

// Generic populates slot with its zero value tagged as degraded and
// ErrorState "<stage>_unavailable". Only the slot is touched; the turn's
// own ErrorState is left alone.
func Generic(s *core.ThreadState, stage core.StageName, slot core.Slot) {
	d := core.Degradation{Degraded: true, ErrorState: UnavailableState(stage)}
	switch slot {
	case core.SlotSafety:
		s.Safety = &core.SafetyResult{Degradation: d, Status: core.SafetyApproved, RiskLevel: core.RiskLow, NeedsReview: true}
	case core.SlotEmotion:
		s.Emotion = &core.EmotionResult{Degradation: d}
	case core.SlotIntent:
		s.Intent = &core.IntentResult{Degradation: d}
	case core.SlotStrategy:
		s.Strategy = &core.StrategyResult{Degradation: d}
	case core.SlotAgent:
		if s.Agents == nil {
			s.Agents = make(map[core.StageName]*core.AgentResponse)
		}
		s.Agents[stage] = &core.AgentResponse{Degradation: d, Agent: string(stage)}
	case core.SlotRecommendation:
		s.Recommendation = &core.RecommendationResult{Degradation: d, Status: "unavailable"}
	case core.SlotMemory:
		s.Memory = &core.MemoryResult{Degradation: d, Status: "unavailable"}
	case core.SlotResponse:
		s.Response = &core.ResponseResult{Degradation: d}
	default:
		if s.Custom == nil {
			s.Custom = make(map[core.StageName]*core.CustomResult)
		}
		s.Custom[stage] = &core.CustomResult{Degradation: d}
	}
}

// Table maps stage names to fallbacks. A Table is immutable after
// construction and safe for concurrent use.
type Table struct {
	entries map[core.StageName]Fallback
}

// NewTable builds a table from entries.
func NewTable(entries map[core.StageName]Fallback) *Table {
	return &Table{entries: maps.Clone(entries)}
}

// With returns a copy of t with name bound to fb.
func (t *Table) With(name core.StageName, fb Fallback) *Table {
	c := maps.Clone(t.entries)
	if c == nil {
		c = make(map[core.StageName]Fallback)
	}
	c[name] = fb
	return &Table{entries: c}
}

// Lookup returns the fallback registered for name.
func (t *Table) Lookup(name core.StageName) (Fallback, bool) {
	fb, ok := t.entries[name]
	return fb, ok
}

// Stages returns the stage names with a dedicated fallback, sorted.
func (t *Table) Stages() []core.StageName {
	return slices.Sorted(maps.Keys(t.entries))
}

// Check verifies that each stage's dedicated fallback writes the slot the
// stage is bound to. Stages without an entry are returned as uncovered;
// they receive the generic default.
func (t *Table) Check(slots map[core.StageName]core.Slot) (uncovered []core.StageName, err error) {
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(slots)) {
		fb, ok := t.entries[name]
		if !ok {
			uncovered = append(uncovered, name)
			continue
		}
		if fb.Slot() != slots[name] {
			errs = append(errs, fmt.Errorf("%w: %s writes %s, stage owns %s", ErrSlotMismatch, name, fb.Slot(), slots[name]))
		}
	}
	return uncovered, errors.Join(errs...)
}

// Apply writes the degraded result for stage into state. It reports
// whether the generic default was used. Apply never panics: a fallback
// that panics or leaves its slot empty is replaced by the generic default.
func (t *Table) Apply(state *core.ThreadState, stage core.StageName, slot core.Slot) (generic bool) {
	if fb, ok := t.entries[stage]; ok && fb.Slot() == slot {
		if applySafely(fb, state, stage) && state.SlotValue(stage, slot) != nil {
			return false
		}
	}
	Generic(state, stage, slot)
	return true
}

func applySafely(fb Fallback, state *core.ThreadState, stage core.StageName) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	fb.Apply(state, stage)
	return true
}
