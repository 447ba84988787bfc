package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/memory"
)

// ErrEmptyCompletion is returned when the LLM answers with no text.
var ErrEmptyCompletion = errors.New("llm returned an empty completion")

// DefaultSystemPrompt frames the sales advisor persona.
const DefaultSystemPrompt = "You are a friendly, knowledgeable beauty advisor. Answer in a few sentences, recommend only products that fit the customer's needs, and never make medical claims."

// strategyTones shapes the prompt per sales strategy.
var strategyTones = map[core.StrategyKind]string{
	core.StrategyPremium: "Use a sophisticated, consultative tone. Emphasize quality ingredients and the luxury experience.",
	core.StrategyBudget:  "Use a friendly, practical tone. Emphasize value for money and multi-purpose products.",
	core.StrategyYouth:   "Use an energetic, casual tone. Emphasize trends and self-expression.",
}

// SalesAgentConfig configures a SalesAgent.
type SalesAgentConfig struct {
	Name         core.StageName // agent slot key (default: core.StageSalesAgent)
	LLM          core.LLMClient
	Memory       memory.Store // optional conversation history
	HistoryLimit int          // default: 6
	Model        string
	System       string // default: DefaultSystemPrompt
	Temperature  *float64
	MaxTokens    int
}

// SalesAgent drafts the advisor reply with an LLM.
type SalesAgent struct {
	cfg SalesAgentConfig
}

// NewSalesAgent creates the stage.
func NewSalesAgent(cfg SalesAgentConfig) *SalesAgent {
	if cfg.Name == "" {
		cfg.Name = core.StageSalesAgent
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 6
	}
	if cfg.System == "" {
		cfg.System = DefaultSystemPrompt
	}
	return &SalesAgent{cfg: cfg}
}

// Messages assembles the conversation sent to the LLM: prior history, then
// the current input annotated with the analysis slots.
func (a *SalesAgent) Messages(ctx context.Context, s *core.ThreadState) ([]core.Message, error) {
	var msgs []core.Message
	if a.cfg.Memory != nil && s.CustomerID != "" {
		history, err := a.cfg.Memory.Recent(ctx, s.TenantID(), s.CustomerID, a.cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		for _, r := range history {
			role := "user"
			if r.Role == memory.RoleAssistant {
				role = "assistant"
			}
			msgs = append(msgs, core.Message{Role: role, Content: r.Content})
		}
	}
	msgs = append(msgs, core.Message{Role: "user", Content: turnContext(s)})
	return msgs, nil
}

func turnContext(s *core.ThreadState) string {
	var b strings.Builder
	if s.Emotion != nil {
		fmt.Fprintf(&b, "Customer emotion: %s\n", s.Emotion.Label)
	}
	if s.Intent != nil {
		fmt.Fprintf(&b, "Customer intent: %s (%s)\n", s.Intent.Label, s.Intent.Category)
	}
	if s.Safety != nil && s.Safety.Status == core.SafetyFlagged {
		b.WriteString("Note: the message touched sensitive topics; stay factual and avoid claims.\n")
	}
	fmt.Fprintf(&b, "Customer message: %s", s.CustomerInput)
	return b.String()
}

func (a *SalesAgent) system(s *core.ThreadState) string {
	if s.Strategy == nil {
		return a.cfg.System
	}
	if tone, ok := strategyTones[s.Strategy.Strategy]; ok {
		return a.cfg.System + " " + tone
	}
	return a.cfg.System
}

func (a *SalesAgent) Execute(ctx context.Context, s *core.ThreadState) (*core.ThreadState, error) {
	if a.cfg.LLM == nil {
		return nil, errors.New("sales agent: no llm client configured")
	}
	msgs, err := a.Messages(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("sales agent: %w", err)
	}
	text, err := a.cfg.LLM.Complete(ctx, msgs, core.CompletionOptions{
		Model:       a.cfg.Model,
		System:      a.system(s),
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("sales agent: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("sales agent: %w", ErrEmptyCompletion)
	}
	if s.Agents == nil {
		s.Agents = make(map[core.StageName]*core.AgentResponse)
	}
	s.Agents[a.cfg.Name] = &core.AgentResponse{Agent: "sales", Text: text}
	return s, nil
}
