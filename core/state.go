package core

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// InputKind is the modality of a customer message.
type InputKind string

const (
	InputText  InputKind = "text"
	InputVoice InputKind = "voice"
	InputImage InputKind = "image"
)

// Valid reports whether k is a recognized input kind.
func (k InputKind) Valid() bool {
	switch k {
	case InputText, InputVoice, InputImage:
		return true
	default:
		return false
	}
}

// StageResult records the outcome of one stage invocation.
type StageResult struct {
	Stage         StageName     `json:"stage"`
	Slot          Slot          `json:"slot"`
	Succeeded     bool          `json:"succeeded"`
	UsedFallback  bool          `json:"used_fallback"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// ThreadState is the record accumulated over one conversation turn.
//
// A ThreadState is owned by exactly one turn and is not safe for concurrent
// mutation. Stages receive clones; the engine folds each stage's own slot
// back with AdoptSlot.
type ThreadState struct {
	tenantID string

	TurnID        string    `json:"turn_id"`
	CustomerID    string    `json:"customer_id,omitempty"`
	CustomerInput string    `json:"customer_input"`
	InputKind     InputKind `json:"input_kind"`
	ReceivedAt    time.Time `json:"received_at"`

	Safety         *SafetyResult                `json:"safety,omitempty"`
	Emotion        *EmotionResult               `json:"emotion,omitempty"`
	Intent         *IntentResult                `json:"intent,omitempty"`
	Strategy       *StrategyResult              `json:"strategy,omitempty"`
	Agents         map[StageName]*AgentResponse `json:"agents,omitempty"`
	Recommendation *RecommendationResult        `json:"recommendation,omitempty"`
	Memory         *MemoryResult                `json:"memory,omitempty"`
	Response       *ResponseResult              `json:"response,omitempty"`
	Custom         map[StageName]*CustomResult  `json:"custom,omitempty"`

	ErrorState          string `json:"error_state,omitempty"`
	RequiresHumanReview bool   `json:"requires_human_review"`

	activeStages  []StageName
	results       []StageResult
	terminated    bool
	finalResponse string
	finalSet      bool
	sealed        bool

	// written is a bitset over the fixed slots; keyed slots are tracked by
	// map presence.
	written uint16
}

// NewThreadState creates an empty state bound to tenantID.
func NewThreadState(tenantID string) *ThreadState {
	return &ThreadState{tenantID: tenantID}
}

// TenantID returns the isolation key of the turn.
func (s *ThreadState) TenantID() string {
	return s.tenantID
}

// ActiveStages returns the names of stages that have run, in merge order.
func (s *ThreadState) ActiveStages() []StageName {
	return slices.Clone(s.activeStages)
}

// Results returns the recorded stage results, in merge order.
func (s *ThreadState) Results() []StageResult {
	return slices.Clone(s.results)
}

// Result returns the recorded result for a stage.
func (s *ThreadState) Result(name StageName) (StageResult, bool) {
	for _, r := range s.results {
		if r.Stage == name {
			return r, true
		}
	}
	return StageResult{}, false
}

// Terminated reports whether a routing rule short-circuited the turn.
func (s *ThreadState) Terminated() bool {
	return s.terminated
}

// FinalResponse returns the reply to send to the customer.
func (s *ThreadState) FinalResponse() string {
	return s.finalResponse
}

// HasFinalResponse reports whether the final response has been set.
func (s *ThreadState) HasFinalResponse() bool {
	return s.finalSet
}

// Sealed reports whether the state is read-only.
func (s *ThreadState) Sealed() bool {
	return s.sealed
}

// Degraded reports whether any recorded stage used its fallback.
func (s *ThreadState) Degraded() bool {
	for _, r := range s.results {
		if r.UsedFallback {
			return true
		}
	}
	return false
}

// Terminate marks the turn as short-circuited. No stage may run afterwards.
func (s *ThreadState) Terminate() {
	s.terminated = true
}

// Seal makes the state read-only for the engine.
func (s *ThreadState) Seal() {
	s.sealed = true
}

// SetFinalResponse sets the final response. It may be called once.
func (s *ThreadState) SetFinalResponse(text string) error {
	if s.finalSet {
		return ErrFinalResponseSet
	}
	s.finalResponse = text
	s.finalSet = true
	return nil
}

// MarkActive appends name to the active stage list. Each stage may be
// marked once.
func (s *ThreadState) MarkActive(name StageName) error {
	if err := s.mutable(); err != nil {
		return err
	}
	if slices.Contains(s.activeStages, name) {
		return fmt.Errorf("%w: %s", ErrStageAlreadyActive, name)
	}
	s.activeStages = append(s.activeStages, name)
	return nil
}

// RecordResult appends a stage result.
func (s *ThreadState) RecordResult(r StageResult) {
	s.results = append(s.results, r)
}

func (s *ThreadState) mutable() error {
	if s.sealed {
		return ErrStateSealed
	}
	if s.terminated {
		return ErrTerminated
	}
	return nil
}

// SlotWritten reports whether the slot owned by name has been adopted.
func (s *ThreadState) SlotWritten(name StageName, slot Slot) bool {
	if slot.keyed() {
		return s.SlotValue(name, slot) != nil
	}
	return s.written&(1<<slot) != 0
}

// SlotValue returns the value held in the slot owned by name, or nil.
func (s *ThreadState) SlotValue(name StageName, slot Slot) any {
	switch slot {
	case SlotSafety:
		if s.Safety != nil {
			return s.Safety
		}
	case SlotEmotion:
		if s.Emotion != nil {
			return s.Emotion
		}
	case SlotIntent:
		if s.Intent != nil {
			return s.Intent
		}
	case SlotStrategy:
		if s.Strategy != nil {
			return s.Strategy
		}
	case SlotAgent:
		if v := s.Agents[name]; v != nil {
			return v
		}
	case SlotRecommendation:
		if s.Recommendation != nil {
			return s.Recommendation
		}
	case SlotMemory:
		if s.Memory != nil {
			return s.Memory
		}
	case SlotResponse:
		if s.Response != nil {
			return s.Response
		}
	case SlotCustom:
		if v := s.Custom[name]; v != nil {
			return v
		}
	}
	return nil
}

// SlotText returns the user-facing text carried by a slot, if any.
func (s *ThreadState) SlotText(name StageName, slot Slot) string {
	switch v := s.SlotValue(name, slot).(type) {
	case *ResponseResult:
		return v.Text
	case *AgentResponse:
		return v.Text
	case *CustomResult:
		return v.Text
	case *SafetyResult:
		return v.UserMessage
	default:
		return ""
	}
}

// AdoptSlot copies the slot owned by name from src into s. The slot must be
// populated in src and not yet written in s.
func (s *ThreadState) AdoptSlot(name StageName, slot Slot, src *ThreadState) error {
	if err := s.mutable(); err != nil {
		return err
	}
	if s.SlotWritten(name, slot) {
		return fmt.Errorf("%w: %s (%s)", ErrSlotAlreadyWritten, name, slot)
	}
	if src == nil || src.SlotValue(name, slot) == nil {
		return fmt.Errorf("%w: %s (%s)", ErrSlotNotPopulated, name, slot)
	}
	switch slot {
	case SlotSafety:
		s.Safety = src.Safety.clone()
	case SlotEmotion:
		s.Emotion = clonePtr(src.Emotion)
	case SlotIntent:
		s.Intent = clonePtr(src.Intent)
	case SlotStrategy:
		s.Strategy = clonePtr(src.Strategy)
	case SlotAgent:
		if s.Agents == nil {
			s.Agents = make(map[StageName]*AgentResponse)
		}
		s.Agents[name] = clonePtr(src.Agents[name])
	case SlotRecommendation:
		s.Recommendation = src.Recommendation.clone()
	case SlotMemory:
		s.Memory = clonePtr(src.Memory)
	case SlotResponse:
		s.Response = clonePtr(src.Response)
	case SlotCustom:
		if s.Custom == nil {
			s.Custom = make(map[StageName]*CustomResult)
		}
		s.Custom[name] = src.Custom[name].clone()
	}
	if !slot.keyed() {
		s.written |= 1 << slot
	}
	return nil
}

// Clone returns a deep copy of the state, bookkeeping included.
func (s *ThreadState) Clone() *ThreadState {
	c := *s
	c.Safety = s.Safety.clone()
	c.Emotion = clonePtr(s.Emotion)
	c.Intent = clonePtr(s.Intent)
	c.Strategy = clonePtr(s.Strategy)
	c.Recommendation = s.Recommendation.clone()
	c.Memory = clonePtr(s.Memory)
	c.Response = clonePtr(s.Response)
	if s.Agents != nil {
		c.Agents = make(map[StageName]*AgentResponse, len(s.Agents))
		for k, v := range s.Agents {
			c.Agents[k] = clonePtr(v)
		}
	}
	if s.Custom != nil {
		c.Custom = make(map[StageName]*CustomResult, len(s.Custom))
		for k, v := range s.Custom {
			c.Custom[k] = v.clone()
		}
	}
	c.activeStages = slices.Clone(s.activeStages)
	c.results = slices.Clone(s.results)
	return &c
}

type threadStateJSON struct {
	TenantID      string        `json:"tenant_id"`
	ActiveStages  []StageName   `json:"active_stages"`
	Results       []StageResult `json:"stage_results"`
	Terminated    bool          `json:"terminated"`
	FinalResponse string        `json:"final_response"`
}

// MarshalJSON includes the unexported control fields.
func (s *ThreadState) MarshalJSON() ([]byte, error) {
	type plain ThreadState
	return json.Marshal(struct {
		*plain
		threadStateJSON
	}{
		plain: (*plain)(s),
		threadStateJSON: threadStateJSON{
			TenantID:      s.tenantID,
			ActiveStages:  s.activeStages,
			Results:       s.results,
			Terminated:    s.terminated,
			FinalResponse: s.finalResponse,
		},
	})
}
