// Package embedding turns text into vectors for the recall tiers and the
// retrieval engine.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sashabaranov/go-openai"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider   string `json:"provider" yaml:"provider"` // "api", "local" or "hash"
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	Model      string `json:"model" yaml:"model"`
	APIKey     string `json:"api_key" yaml:"api_key"`
	Dimension  int    `json:"dimension" yaml:"dimension"`
	MaxRetries uint   `json:"max_retries" yaml:"max_retries"`
}

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "api", "openai":
		return NewAPIProvider(cfg), nil
	case "local", "ollama":
		return NewLocalProvider(cfg), nil
	case "", "hash":
		return NewHashProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, p Provider, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding: got %d vectors for 1 text", len(vecs))
	}
	return vecs[0], nil
}

const defaultMaxRetries = 3

// retry runs op with exponential backoff. Client errors other than 429 are
// not retried.
func retry[T any](ctx context.Context, maxTries uint, op func() (T, error)) (T, error) {
	if maxTries == 0 {
		maxTries = defaultMaxRetries
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var stErr *statusError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		code = reqErr.HTTPStatusCode
	case errors.As(err, &stErr):
		code = stErr.code
	}
	if code == http.StatusTooManyRequests {
		return true
	}
	return code < 400 || code >= 500
}

// statusError is a non-200 reply from a raw HTTP embedding endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("embedding: API returned status %d: %s", e.code, e.body)
}
