package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/provider"
)

// Summarizer condenses messages, optionally extending a previous summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, msgs []model.ChatMessage) (string, error)
}

// Completer is the completion service. *provider.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, purpose, prompt string) (string, error)
}

// LLMSummarizer asks the completion service for a summary.
type LLMSummarizer struct {
	completer Completer
	purpose   string
}

// NewLLMSummarizer summarizes through c using the compressor purpose.
func NewLLMSummarizer(c Completer) *LLMSummarizer {
	return &LLMSummarizer{completer: c, purpose: provider.PurposeCompressor}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, previous string, msgs []model.ChatMessage) (string, error) {
	var sb strings.Builder
	sb.WriteString("Summarize the conversation below into a concise paragraph. ")
	sb.WriteString("Keep names, decisions, open questions and user preferences. ")
	sb.WriteString("Reply with the summary only.\n\n")
	if previous != "" {
		sb.WriteString("Existing summary:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation:\n")
	writeTranscript(&sb, msgs)

	out, err := s.completer.Complete(ctx, s.purpose, sb.String())
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if out == "" {
		return "", errors.New("summarize: empty completion")
	}
	return out, nil
}

// ExtractiveSummarizer joins truncated message lines. It needs no model and
// is used when no completion provider is configured.
type ExtractiveSummarizer struct {
	MaxRunesPerMessage int
}

func (s ExtractiveSummarizer) Summarize(_ context.Context, previous string, msgs []model.ChatMessage) (string, error) {
	limit := s.MaxRunesPerMessage
	if limit <= 0 {
		limit = 160
	}
	var sb strings.Builder
	if previous != "" {
		sb.WriteString(previous)
		sb.WriteString("\n")
	}
	for _, m := range msgs {
		content := []rune(strings.TrimSpace(m.Content))
		if len(content) > limit {
			content = append(content[:limit], '…')
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, string(content))
	}
	return strings.TrimSpace(sb.String()), nil
}

func writeTranscript(sb *strings.Builder, msgs []model.ChatMessage) {
	for _, m := range msgs {
		fmt.Fprintf(sb, "[%s] %s\n", m.Role, m.Content)
	}
}
