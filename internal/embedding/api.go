package embedding

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sashabaranov/go-openai"
)

// APIProvider implements Provider using an OpenAI-compatible embeddings API.
type APIProvider struct {
	client     *openai.Client
	model      string
	dimension  int
	maxRetries uint

	observedDim atomic.Int64
}

// NewAPIProvider creates a new APIProvider from the given Config.
func NewAPIProvider(cfg Config) *APIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		oc.BaseURL = cfg.Endpoint
	}
	return &APIProvider{
		client:     openai.NewClientWithConfig(oc),
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		maxRetries: cfg.MaxRetries,
	}
}

// Embed sends texts to the embeddings endpoint in one batch.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := retry(ctx, p.maxRetries, func() (openai.EmbeddingResponse, error) {
		return p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(p.model),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	// The API may return items out of order; Index is authoritative.
	embeddings := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(texts) || embeddings[idx] != nil {
			idx = i
		}
		embeddings[idx] = d.Embedding
	}

	if len(embeddings[0]) > 0 {
		p.observedDim.CompareAndSwap(0, int64(len(embeddings[0])))
	}
	return embeddings, nil
}

// Dimension returns the dimension seen in the first result, or the configured default.
func (p *APIProvider) Dimension() int {
	if d := p.observedDim.Load(); d > 0 {
		return int(d)
	}
	return p.dimension
}
