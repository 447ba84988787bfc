package core

import (
	"fmt"
	"slices"
)

// Slot identifies which typed field of ThreadState a stage owns.
type Slot uint8

const (
	SlotCustom Slot = iota
	SlotSafety
	SlotEmotion
	SlotIntent
	SlotStrategy
	SlotAgent
	SlotRecommendation
	SlotMemory
	SlotResponse
)

var slotNames = map[Slot]string{
	SlotCustom:         "custom",
	SlotSafety:         "safety",
	SlotEmotion:        "emotion",
	SlotIntent:         "intent",
	SlotStrategy:       "strategy",
	SlotAgent:          "agent",
	SlotRecommendation: "recommendation",
	SlotMemory:         "memory",
	SlotResponse:       "response",
}

// String returns the slot name.
func (s Slot) String() string {
	if n, ok := slotNames[s]; ok {
		return n
	}
	return fmt.Sprintf("slot(%d)", uint8(s))
}

// ParseSlot converts a slot name into a Slot.
func ParseSlot(name string) (Slot, error) {
	for s, n := range slotNames {
		if n == name {
			return s, nil
		}
	}
	return SlotCustom, fmt.Errorf("unknown slot %q", name)
}

// keyed reports whether the slot holds one entry per stage name.
func (s Slot) keyed() bool {
	return s == SlotAgent || s == SlotCustom
}

// DefaultSlot returns the slot a built-in stage writes. Unknown names map
// to SlotCustom.
func DefaultSlot(name StageName) Slot {
	switch name {
	case StageSafety:
		return SlotSafety
	case StageEmotion:
		return SlotEmotion
	case StageIntent:
		return SlotIntent
	case StageStrategy:
		return SlotStrategy
	case StageSalesAgent:
		return SlotAgent
	case StageRecommendation:
		return SlotRecommendation
	case StageMemoryUpdate:
		return SlotMemory
	case StageResponse:
		return SlotResponse
	default:
		return SlotCustom
	}
}

// Degradation is embedded in every slot value. A fallback sets Degraded and
// optionally ErrorState; successful stages leave both zero.
type Degradation struct {
	Degraded   bool   `json:"degraded,omitempty"`
	ErrorState string `json:"error_state,omitempty"`
}

// SafetyStatus is the outcome of the safety review.
type SafetyStatus string

const (
	SafetyApproved SafetyStatus = "approved"
	SafetyFlagged  SafetyStatus = "flagged"
	SafetyBlocked  SafetyStatus = "blocked"
)

// RiskLevel grades a safety result.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Violation is one rule hit reported by the safety stage.
type Violation struct {
	RuleID   string `json:"rule_id"`
	Category string `json:"category"`
	Match    string `json:"match"`
}

type SafetyResult struct {
	Degradation
	Status      SafetyStatus `json:"status"`
	RiskLevel   RiskLevel    `json:"risk_level"`
	Violations  []Violation  `json:"violations"`
	UserMessage string       `json:"user_message,omitempty"`
	NeedsReview bool         `json:"needs_review,omitempty"`
}

type EmotionResult struct {
	Degradation
	Label      string  `json:"label"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

type IntentResult struct {
	Degradation
	Label      string  `json:"label"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// StrategyKind selects the sales approach for a turn.
type StrategyKind string

const (
	StrategyPremium StrategyKind = "premium"
	StrategyBudget  StrategyKind = "budget"
	StrategyYouth   StrategyKind = "youth"
)

type StrategyResult struct {
	Degradation
	Strategy   StrategyKind `json:"strategy"`
	Confidence float64      `json:"confidence"`
	Rationale  string       `json:"rationale,omitempty"`
}

// AgentResponse is the payload of a generation stage, keyed by stage name.
type AgentResponse struct {
	Degradation
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

// Product is one recommended catalog item.
type Product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type RecommendationResult struct {
	Degradation
	Status   string    `json:"status"`
	Products []Product `json:"products"`
}

type MemoryResult struct {
	Degradation
	Status  string `json:"status"`
	Records int    `json:"records"`
}

type ResponseResult struct {
	Degradation
	Text string `json:"text"`
}

// CustomResult is the generic slot for stages without a dedicated type.
type CustomResult struct {
	Degradation
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

func (r *SafetyResult) clone() *SafetyResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Violations = slices.Clone(r.Violations)
	return &c
}

func (r *RecommendationResult) clone() *RecommendationResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Products = slices.Clone(r.Products)
	return &c
}

func (r *CustomResult) clone() *CustomResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Data != nil {
		c.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			c.Data[k] = v
		}
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// MarshalText encodes the slot as its name.
func (s Slot) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a slot name.
func (s *Slot) UnmarshalText(b []byte) error {
	v, err := ParseSlot(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
