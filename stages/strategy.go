package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/petal-labs/turnflow/core"
)

var strategyCues = []struct {
	kind core.StrategyKind
	cues []string
}{
	{core.StrategyBudget, []string{"budget", "cheap", "affordable", "inexpensive", "deal", "discount", "save"}},
	{core.StrategyYouth, []string{"young", "trendy", "cool", "student", "tiktok", "viral", "fun"}},
	{core.StrategyPremium, []string{"luxury", "premium", "expensive", "high-end", "best", "exclusive"}},
}

// StrategySelector picks the sales approach from the input and the
// emotion and intent slots.
type StrategySelector struct{}

// NewStrategySelector creates the stage.
func NewStrategySelector() *StrategySelector {
	return &StrategySelector{}
}

// Select chooses a strategy for s. Explicit price or style cues win;
// otherwise enthusiastic or ready-to-buy customers get the premium
// approach and hesitant ones the budget approach.
func (StrategySelector) Select(s *core.ThreadState) core.StrategyResult {
	lower := strings.ToLower(s.CustomerInput)
	for _, c := range strategyCues {
		for _, cue := range c.cues {
			if strings.Contains(lower, cue) {
				return core.StrategyResult{
					Strategy:   c.kind,
					Confidence: 0.85,
					Rationale:  fmt.Sprintf("customer mentioned %q", cue),
				}
			}
		}
	}

	if s.Emotion != nil && s.Emotion.Label == EmotionConcern {
		return core.StrategyResult{Strategy: core.StrategyBudget, Confidence: 0.6, Rationale: "hesitant customer, lead with value"}
	}
	if s.Intent != nil && s.Intent.Label == IntentReadyToBuy {
		return core.StrategyResult{Strategy: core.StrategyPremium, Confidence: 0.7, Rationale: "ready to buy"}
	}
	if s.Emotion != nil && s.Emotion.Label == EmotionEnthusiasm {
		return core.StrategyResult{Strategy: core.StrategyYouth, Confidence: 0.6, Rationale: "enthusiastic customer"}
	}
	return core.StrategyResult{Strategy: core.StrategyPremium, Confidence: 0.5, Rationale: "default approach"}
}

func (sel StrategySelector) Execute(ctx context.Context, s *core.ThreadState) (*core.ThreadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := sel.Select(s)
	s.Strategy = &res
	return s, nil
}
