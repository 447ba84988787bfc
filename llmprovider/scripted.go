package llmprovider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/petal-labs/turnflow/core"
)

// ScriptedProvider is the provider name that selects the Scripted client.
const ScriptedProvider = "scripted"

// Scripted is an offline core.LLMClient. It answers from queued replies
// and, once they run out, echoes a canned advisor sentence built from the
// last user message.
type Scripted struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   [][]core.Message
}

// NewScripted creates a client that answers with replies in order.
func NewScripted(replies ...string) *Scripted {
	return &Scripted{replies: replies}
}

// FailNext queues err for the next call.
func (s *Scripted) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

// Calls returns the messages of every call so far.
func (s *Scripted) Calls() [][]core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]core.Message, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Scripted) Complete(ctx context.Context, messages []core.Message, _ core.CompletionOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]core.Message(nil), messages...))

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	if len(s.replies) > 0 {
		r := s.replies[0]
		s.replies = s.replies[1:]
		return r, nil
	}
	return echo(messages), nil
}

func echo(messages []core.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		text := messages[i].Content
		if idx := strings.LastIndex(text, "Customer message: "); idx >= 0 {
			text = text[idx+len("Customer message: "):]
		}
		return fmt.Sprintf("Thanks for your question about %q. Here are a few options that could suit you.", strings.TrimSpace(text))
	}
	return "Thanks for reaching out. How can I help you today?"
}

// Compile-time interface check.
var _ core.LLMClient = (*Scripted)(nil)
