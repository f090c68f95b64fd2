package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Purposes the memory engine asks completions for. They are ordinary
// binding keys, so a deployment can bind each to a cheaper model.
const (
	PurposeCompressor = "_compressor"
	PurposeReranker   = "_reranker"
)

// Router manages multiple LLM providers and routes requests.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // purpose -> providerID
	fallbacks map[string][]string // purpose -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// New builds a provider from its config.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Type) {
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic", "claude":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Bind associates a purpose with a specific provider.
func (r *Router) Bind(purpose, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[purpose] = providerID
}

// SetFallbacks configures fallback providers for a purpose.
func (r *Router) SetFallbacks(purpose string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[purpose] = providerIDs
}

// Route sends a chat request through the provider bound to purpose, then
// through its fallbacks.
func (r *Router) Route(ctx context.Context, purpose string, req *ChatRequest) (*ChatResponse, error) {
	primary, fallbacks := r.resolve(purpose)
	if primary == nil {
		return nil, fmt.Errorf("no provider available for %s", purpose)
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("purpose", purpose), zap.Error(err))

	for _, fb := range fallbacks {
		if ctx.Err() != nil {
			break
		}
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for %s: %w", purpose, err)
}

// Complete sends a single user prompt and returns the reply text.
func (r *Router) Complete(ctx context.Context, purpose, prompt string) (string, error) {
	resp, err := r.Route(ctx, purpose, &ChatRequest{
		Messages: []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// resolve snapshots the providers for purpose so no lock is held during I/O.
func (r *Router) resolve(purpose string) (Provider, []Provider) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var primary Provider
	if pid, ok := r.bindings[purpose]; ok {
		primary = r.providers[pid]
	}
	if primary == nil {
		primary = r.providers[r.defaults]
	}
	var fbs []Provider
	for _, id := range r.fallbacks[purpose] {
		if p, ok := r.providers[id]; ok {
			fbs = append(fbs, p)
		}
	}
	return primary, fbs
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
