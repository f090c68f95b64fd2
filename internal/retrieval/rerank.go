package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/provider"
)

// Reranker scores passages against a query; scores[i] belongs to passages[i].
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Completer is the completion service. *provider.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, purpose, prompt string) (string, error)
}

// ProviderReranker asks a language model to grade each passage.
type ProviderReranker struct {
	completer Completer
	// maxPassageRunes truncates long chunks in the prompt.
	maxPassageRunes int
}

// NewProviderReranker reranks through c using the reranker purpose.
func NewProviderReranker(c Completer) *ProviderReranker {
	return &ProviderReranker{completer: c, maxPassageRunes: 800}
}

func (r *ProviderReranker) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	var sb strings.Builder
	sb.WriteString("Rate how relevant each passage is to the query on a scale from 0 to 1.\n")
	fmt.Fprintf(&sb, "Reply with only a JSON array of %d numbers, in passage order.\n\n", len(passages))
	fmt.Fprintf(&sb, "Query: %s\n\n", query)
	for i, p := range passages {
		runes := []rune(p)
		if len(runes) > r.maxPassageRunes {
			runes = runes[:r.maxPassageRunes]
		}
		fmt.Fprintf(&sb, "Passage %d:\n%s\n\n", i+1, string(runes))
	}

	out, err := r.completer.Complete(ctx, provider.PurposeReranker, sb.String())
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	scores, err := parseScores(out)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(passages) {
		return nil, fmt.Errorf("rerank: got %d scores for %d passages", len(scores), len(passages))
	}
	return scores, nil
}

// parseScores extracts the first JSON array from a model reply, which may
// be wrapped in prose or a code fence.
func parseScores(reply string) ([]float64, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("rerank: no score array in reply %q", reply)
	}
	var scores []float64
	if err := json.Unmarshal([]byte(reply[start:end+1]), &scores); err != nil {
		return nil, fmt.Errorf("rerank: decode scores: %w", err)
	}
	return scores, nil
}

// EmbeddingReranker scores passages by cosine similarity in an embedding space.
type EmbeddingReranker struct {
	embedder embedding.Provider
}

// NewEmbeddingReranker reranks with e, typically the semantic embedder.
func NewEmbeddingReranker(e embedding.Provider) *EmbeddingReranker {
	return &EmbeddingReranker{embedder: e}
}

func (r *EmbeddingReranker) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	vecs, err := r.embedder.Embed(ctx, append([]string{query}, passages...))
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	if len(vecs) != len(passages)+1 {
		return nil, fmt.Errorf("rerank: got %d vectors for %d texts", len(vecs), len(passages)+1)
	}
	scores := make([]float64, len(passages))
	for i := range passages {
		scores[i] = cosine(vecs[0], vecs[i+1])
	}
	return scores, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
