package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/fallback"
)

// ResponseComposer assembles the customer-facing reply from the agent draft
// and the recommendations.
type ResponseComposer struct {
	agent core.StageName
}

// NewResponseComposer creates the stage. The draft is read from the agent
// slot of agent (default: core.StageSalesAgent).
func NewResponseComposer(agent core.StageName) *ResponseComposer {
	if agent == "" {
		agent = core.StageSalesAgent
	}
	return &ResponseComposer{agent: agent}
}

// Compose builds the reply text for s.
func (c *ResponseComposer) Compose(s *core.ThreadState) string {
	var b strings.Builder
	if reply, ok := s.Agents[c.agent]; ok && reply != nil && reply.Text != "" {
		b.WriteString(reply.Text)
	} else {
		b.WriteString(fallback.SalesFallbackText)
	}

	if s.Recommendation != nil && len(s.Recommendation.Products) > 0 {
		names := make([]string, len(s.Recommendation.Products))
		for i, p := range s.Recommendation.Products {
			names[i] = fmt.Sprintf("%s ($%.2f)", p.Name, p.Price)
		}
		b.WriteString("\n\nYou might like: ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString(".")
	}
	return b.String()
}

func (c *ResponseComposer) Execute(ctx context.Context, s *core.ThreadState) (*core.ThreadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.Response = &core.ResponseResult{Text: c.Compose(s)}
	return s, nil
}
