// Package llmprovider bridges iris LLM providers to turnflow's core.LLMClient
// interface, and provides a scripted client for demos and tests.
package llmprovider

import (
	"context"
	"errors"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/petal-labs/turnflow/core"
)

// irisAdapter wraps an iris Provider to implement core.LLMClient.
type irisAdapter struct {
	provider iriscore.Provider
	model    string // used when a request names no model
}

// Complete sends a synchronous completion request via the iris provider.
func (a *irisAdapter) Complete(ctx context.Context, messages []core.Message, opts core.CompletionOptions) (string, error) {
	resp, err := a.provider.Chat(ctx, a.toRequest(messages, opts))
	if err != nil {
		return "", fmt.Errorf("provider chat failed: %w", err)
	}
	if resp == nil {
		return "", errors.New("provider chat returned no response")
	}
	return resp.Output, nil
}

// toRequest converts turnflow messages and options to an iris ChatRequest.
func (a *irisAdapter) toRequest(messages []core.Message, opts core.CompletionOptions) *iriscore.ChatRequest {
	msgs := make([]iriscore.Message, 0, len(messages)+1)

	if opts.System != "" {
		msgs = append(msgs, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: opts.System,
		})
	}
	for _, m := range messages {
		msgs = append(msgs, iriscore.Message{
			Role:    toIrisRole(m.Role),
			Content: m.Content,
		})
	}

	model := opts.Model
	if model == "" {
		model = a.model
	}
	req := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(model),
		Messages: msgs,
	}

	if opts.Temperature != nil {
		temp := float32(*opts.Temperature)
		req.Temperature = &temp
	}
	if opts.MaxTokens > 0 {
		maxTokens := opts.MaxTokens
		req.MaxTokens = &maxTokens
	}

	return req
}

// toIrisRole converts a string role to an iris Role constant.
func toIrisRole(role string) iriscore.Role {
	switch role {
	case "system":
		return iriscore.RoleSystem
	case "assistant":
		return iriscore.RoleAssistant
	default:
		return iriscore.RoleUser
	}
}

// Compile-time interface check.
var _ core.LLMClient = (*irisAdapter)(nil)
