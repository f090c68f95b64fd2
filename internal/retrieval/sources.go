package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// Source produces scored candidates for one strategy.
type Source interface {
	Strategy() Strategy
	Search(ctx context.Context, collection, query string, limit int) ([]Candidate, error)
}

// Metadata keys written by the Indexer on every chunk point.
const (
	metaDocumentID = "document_id"
	metaPosition   = "position"
)

// semanticSuffix names the collection holding semantic-space vectors.
const semanticSuffix = "_semantic"

// EmbeddingSource searches a vector collection with one embedder. The
// vector and semantic strategies are both EmbeddingSources over different
// embedders and collections.
type EmbeddingSource struct {
	strategy Strategy
	vectors  vectorstore.Store
	embedder embedding.Provider
	suffix   string
}

// NewVectorSource searches {collection} with the primary embedder.
func NewVectorSource(vs vectorstore.Store, e embedding.Provider) *EmbeddingSource {
	return &EmbeddingSource{strategy: StrategyVector, vectors: vs, embedder: e}
}

// NewSemanticSource searches {collection}_semantic with the semantic embedder.
func NewSemanticSource(vs vectorstore.Store, e embedding.Provider) *EmbeddingSource {
	return &EmbeddingSource{strategy: StrategySemantic, vectors: vs, embedder: e, suffix: semanticSuffix}
}

func (s *EmbeddingSource) Strategy() Strategy { return s.strategy }

func (s *EmbeddingSource) Search(ctx context.Context, collection, query string, limit int) ([]Candidate, error) {
	vec, err := embedding.EmbedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.vectors.Query(ctx, collection+s.suffix, vec, limit, nil, math.Inf(-1))
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		pos, _ := strconv.Atoi(m.Metadata[metaPosition])
		out = append(out, Candidate{
			Chunk: model.Chunk{
				ID:         m.ID,
				DocumentID: m.Metadata[metaDocumentID],
				Content:    m.Content,
				Position:   pos,
			},
			Score: m.Score,
		})
	}
	return out, nil
}

// KeywordSource scores stored chunks by lexical overlap with the query.
type KeywordSource struct {
	chunks store.ChunkStore
	// scan bounds how many chunks are fetched for scoring.
	scan int
}

// NewKeywordSource creates a keyword source over chunks.
func NewKeywordSource(chunks store.ChunkStore) *KeywordSource {
	return &KeywordSource{chunks: chunks, scan: 200}
}

func (s *KeywordSource) Strategy() Strategy { return StrategyKeyword }

func (s *KeywordSource) Search(ctx context.Context, collection, query string, limit int) ([]Candidate, error) {
	terms := uniqueTokens(query)
	if len(terms) == 0 {
		return nil, nil
	}
	found, err := s.chunks.SearchChunks(ctx, collection, terms, s.scan)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		if score := keywordSimilarity(terms, c.Content); score > 0 {
			out = append(out, Candidate{Chunk: c, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// keywordSimilarity blends overlap with the text's vocabulary and coverage
// of the keywords. A keyword found only as a substring earns partial credit.
func keywordSimilarity(keywords []string, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}

	target := strings.ToLower(text)
	targetSet := make(map[string]bool)
	for _, w := range tokenize(target) {
		targetSet[w] = true
	}

	var matched int
	var weightedScore float64
	for _, kw := range keywords {
		if targetSet[kw] {
			matched++
			weightedScore += 1.0
		} else if strings.Contains(target, kw) {
			matched++
			weightedScore += 0.7
		}
	}
	if matched == 0 {
		return 0
	}

	overlap := float64(matched)
	union := float64(len(keywords) + len(targetSet) - matched)
	jaccard := overlap / math.Max(union, 1)
	coverage := weightedScore / float64(len(keywords))
	return 0.4*jaccard + 0.6*coverage
}

// tokenize splits text into lowercase word tokens, skipping single characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}

func uniqueTokens(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range tokenize(text) {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}
