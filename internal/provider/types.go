package provider

import (
	"context"
	"time"
)

// Provider defines the interface for LLM providers.
type Provider interface {
	ID() string
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	HealthCheck(ctx context.Context) error
}

// ChatRequest represents a request to an LLM provider.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse represents a response from an LLM provider.
type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderConfig holds configuration for a provider instance.
type ProviderConfig struct {
	ID         string        `json:"id" yaml:"id"`
	Type       string        `json:"type" yaml:"type"` // openai|anthropic
	Name       string        `json:"name" yaml:"name"`
	Endpoint   string        `json:"endpoint" yaml:"endpoint"`
	APIKey     string        `json:"api_key" yaml:"api_key"`
	Models     []string      `json:"models,omitempty" yaml:"models,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries uint          `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// DefaultModel is the first configured model, or "" to let the backend choose.
func (c ProviderConfig) DefaultModel() string {
	if len(c.Models) > 0 {
		return c.Models[0]
	}
	return ""
}
