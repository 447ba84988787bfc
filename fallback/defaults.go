package fallback

import (
	"strings"

	"github.com/petal-labs/turnflow/core"
)

// Canned texts used by the built-in fallbacks.
const (
	SalesFallbackText    = "Thanks for reaching out! I'd be glad to recommend products that suit you. Could you tell me a bit more about what you are looking for?"
	ResponseFallbackText = "Sorry, I couldn't put together a full answer just now. Could you tell me a little more about what you need?"
)

// strategyKeywords drives the strategy heuristic, checked in order.
var strategyKeywords = []struct {
	strategy core.StrategyKind
	words    []string
}{
	{core.StrategyPremium, []string{"luxury", "premium", "expensive"}},
	{core.StrategyBudget, []string{"budget", "cheap", "affordable"}},
	{core.StrategyYouth, []string{"young", "trendy", "cool"}},
}

// KeywordStrategy picks a strategy from the raw input alone. Premium is the
// default when nothing matches.
func KeywordStrategy(input string) core.StrategyKind {
	lower := strings.ToLower(input)
	for _, k := range strategyKeywords {
		for _, w := range k.words {
			if strings.Contains(lower, w) {
				return k.strategy
			}
		}
	}
	return core.StrategyPremium
}

// Defaults returns the table with the built-in stage fallbacks.
//
// The safety fallback is fail-open: it approves with NeedsReview set, and
// the scheduler flags the turn for human review when it sees it.
func Defaults() *Table {
	return NewTable(map[core.StageName]Fallback{
		core.StageSafety: SafetyFunc(func(*core.ThreadState) core.SafetyResult {
			return core.SafetyResult{
				Status:      core.SafetyApproved,
				RiskLevel:   core.RiskLow,
				Violations:  []core.Violation{},
				NeedsReview: true,
			}
		}),
		core.StageEmotion: EmotionFunc(func(*core.ThreadState) core.EmotionResult {
			return core.EmotionResult{Label: "neutral", Score: 0, Confidence: 0.5}
		}),
		core.StageIntent: IntentFunc(func(*core.ThreadState) core.IntentResult {
			return core.IntentResult{Label: "general_inquiry", Category: "unknown", Confidence: 0.5}
		}),
		core.StageStrategy: StrategyFunc(func(s *core.ThreadState) core.StrategyResult {
			return core.StrategyResult{
				Strategy:   KeywordStrategy(s.CustomerInput),
				Confidence: 0.6,
				Rationale:  "keyword heuristic",
			}
		}),
		core.StageSalesAgent: AgentFunc(func(*core.ThreadState) core.AgentResponse {
			return core.AgentResponse{Agent: "sales", Text: SalesFallbackText}
		}),
		core.StageRecommendation: RecommendationFunc(func(*core.ThreadState) core.RecommendationResult {
			return core.RecommendationResult{Status: "unavailable", Products: []core.Product{}}
		}),
		core.StageMemoryUpdate: MemoryFunc(func(*core.ThreadState) core.MemoryResult {
			return core.MemoryResult{Status: "unavailable"}
		}),
		core.StageResponse: ResponseFunc(func(*core.ThreadState) core.ResponseResult {
			return core.ResponseResult{Text: ResponseFallbackText}
		}),
	})
}
