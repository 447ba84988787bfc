// Package core provides the foundational types and interfaces for turnflow.
//
// This package contains:
//   - Stage names, slots and the typed per-stage result values
//   - ThreadState, the record threaded through every stage of one turn
//   - Interfaces: Stage, LLMClient
package core

import "context"

// StageName identifies a logical pipeline stage.
type StageName string

// Built-in stage names of the advisory pipeline.
const (
	StageSafety         StageName = "safety_review"
	StageEmotion        StageName = "emotion"
	StageIntent         StageName = "intent"
	StageStrategy       StageName = "strategy"
	StageSalesAgent     StageName = "sales_agent"
	StageRecommendation StageName = "recommendation"
	StageMemoryUpdate   StageName = "memory_update"
	StageResponse       StageName = "response"
)

// String returns the string representation of the StageName.
func (n StageName) String() string {
	return string(n)
}

// Stage is the capability every pipeline stage provides.
//
// Execute receives a private copy of the turn state. It may read any slot
// but only the slot owned by the stage is kept by the engine. Execute must
// honor the deadline carried by ctx.
type Stage interface {
	Execute(ctx context.Context, state *ThreadState) (*ThreadState, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, state *ThreadState) (*ThreadState, error)

// Execute calls f(ctx, state).
func (f StageFunc) Execute(ctx context.Context, state *ThreadState) (*ThreadState, error) {
	return f(ctx, state)
}

// Message is a chat-style message passed to an LLMClient.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// CompletionOptions tunes a single LLM completion.
type CompletionOptions struct {
	Model       string
	System      string
	Temperature *float64
	MaxTokens   int
}

// LLMClient is the opaque language-model capability used by generation stages.
// Retries, timeouts and cost accounting belong to the implementation.
type LLMClient interface {
	Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error)
}
