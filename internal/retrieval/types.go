// Package retrieval runs vector, keyword and semantic searches over a
// document collection and fuses them into one ranked result.
package retrieval

import (
	"errors"
	"fmt"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// ErrInvalidQuery is returned for queries that cannot be run.
var ErrInvalidQuery = errors.New("retrieval: invalid query")

// Strategy selects which sources a query runs against.
type Strategy string

const (
	StrategyVector   Strategy = "vector"
	StrategyKeyword  Strategy = "keyword"
	StrategySemantic Strategy = "semantic"
	StrategyHybrid   Strategy = "hybrid"
)

// Weights scale each source's score in the fused score.
type Weights struct {
	Vector   float64 `json:"vector" yaml:"vector"`
	Keyword  float64 `json:"keyword" yaml:"keyword"`
	Semantic float64 `json:"semantic" yaml:"semantic"`
}

// DefaultWeights apply to hybrid queries that set no weights.
var DefaultWeights = Weights{Vector: 0.6, Keyword: 0.3, Semantic: 0.1}

func (w Weights) zero() bool { return w.Vector == 0 && w.Keyword == 0 && w.Semantic == 0 }

// ReRanking configures the optional second scoring pass.
type ReRanking struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// MaxResults is the size of the rerank window; <= 0 reranks everything.
	MaxResults int `json:"max_results" yaml:"max_results"`
	// Threshold drops window chunks whose rerank score is below it.
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// Query is one retrieval request.
type Query struct {
	Text          string    `json:"text"`
	Strategy      Strategy  `json:"strategy,omitempty"`
	TopK          int       `json:"top_k,omitempty"`
	MinSimilarity float64   `json:"min_similarity,omitempty"`
	Weights       Weights   `json:"weights"`
	ReRanking     ReRanking `json:"rerank"`
}

const defaultTopK = 5

// Normalize validates q and fills defaults. Equivalent queries normalize to
// the same value, which keys the result cache.
func (q Query) Normalize() (Query, error) {
	if q.Text == "" {
		return q, fmt.Errorf("%w: empty text", ErrInvalidQuery)
	}
	switch q.Strategy {
	case "":
		q.Strategy = StrategyHybrid
	case StrategyVector, StrategyKeyword, StrategySemantic, StrategyHybrid:
	default:
		return q, fmt.Errorf("%w: unknown strategy %q", ErrInvalidQuery, q.Strategy)
	}
	if q.TopK < 0 {
		return q, fmt.Errorf("%w: negative top_k", ErrInvalidQuery)
	}
	if q.TopK == 0 {
		q.TopK = defaultTopK
	}
	if q.Weights.Vector < 0 || q.Weights.Keyword < 0 || q.Weights.Semantic < 0 {
		return q, fmt.Errorf("%w: negative weight", ErrInvalidQuery)
	}
	return q, nil
}

// strategies lists the sources q runs against.
func (q Query) strategies() []Strategy {
	if q.Strategy == StrategyHybrid {
		return []Strategy{StrategyVector, StrategyKeyword, StrategySemantic}
	}
	return []Strategy{q.Strategy}
}

// effectiveWeights gives a single-strategy query full weight on its source.
func (q Query) effectiveWeights() Weights {
	switch q.Strategy {
	case StrategyVector:
		return Weights{Vector: 1}
	case StrategyKeyword:
		return Weights{Keyword: 1}
	case StrategySemantic:
		return Weights{Semantic: 1}
	}
	if q.Weights.zero() {
		return DefaultWeights
	}
	return q.Weights
}

// RetrievedChunk is a fused candidate. FusedScore is fixed at fusion time;
// ReRankScore, when set, ordered the chunk within the rerank window.
type RetrievedChunk struct {
	model.Chunk
	VectorScore   float64  `json:"vector_score"`
	KeywordScore  float64  `json:"keyword_score"`
	SemanticScore float64  `json:"semantic_score"`
	FusedScore    float64  `json:"fused_score"`
	ReRankScore   *float64 `json:"rerank_score,omitempty"`
}

// Result is the outcome of Retrieve.
type Result struct {
	Chunks []RetrievedChunk `json:"chunks"`
	// TotalMatches counts candidates passing MinSimilarity before TopK.
	TotalMatches    int   `json:"total_matches"`
	ExecutionTimeMs int64 `json:"execution_time_ms"`
	// Partial is set when a source failed or the request was cancelled.
	Partial bool `json:"partial"`
}
