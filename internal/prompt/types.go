// Package prompt assembles the messages of one model call from memory
// context and retrieved chunks, fitted to the model's context window.
package prompt

import (
	"errors"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/provider"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
)

// ErrOverBudget is returned when the untrimmable blocks alone exceed the budget.
var ErrOverBudget = errors.New("prompt: fixed blocks exceed token budget")

// BlockPriority defines trim order (higher = trimmed last).
type BlockPriority int

const (
	PriorityHistory   BlockPriority = 1 // trimmed first, oldest message first
	PriorityRetrieved BlockPriority = 2
	PrioritySnippets  BlockPriority = 3
	PrioritySummary   BlockPriority = 4 // never trimmed
	PrioritySystem    BlockPriority = 5 // never trimmed
	PriorityUser      BlockPriority = 6 // never trimmed
)

// Block is a labeled group of messages with a trim priority. A block with a
// Header renders its items as one system message under that header.
type Block struct {
	Name     string             `json:"name"`
	Priority BlockPriority      `json:"priority"`
	Header   string             `json:"header,omitempty"`
	Items    []provider.Message `json:"items"`
	Tokens   int                `json:"tokens"`
	Fixed    bool               `json:"fixed"`
}

// Window is everything that may go into one model call.
type Window struct {
	SystemPrompt string                     `json:"system_prompt"`
	Memory       model.MemoryContext        `json:"memory"`
	Retrieved    []retrieval.RetrievedChunk `json:"retrieved,omitempty"`
	// UserMessage is the current turn, always sent last.
	UserMessage string `json:"user_message"`
}

// Config holds assembler settings.
type Config struct {
	MaxTokens    int     `json:"max_tokens" yaml:"max_tokens"`       // model's max context window
	ReserveRatio float64 `json:"reserve_ratio" yaml:"reserve_ratio"` // fraction reserved for the reply
	ModelID      string  `json:"model" yaml:"model"`                 // model the tokens are counted for
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:    128000,
		ReserveRatio: 0.3,
	}
}
