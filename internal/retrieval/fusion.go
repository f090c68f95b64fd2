package retrieval

import (
	"sort"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Candidate is one source hit.
type Candidate struct {
	Chunk model.Chunk
	Score float64
}

// fuse unions candidates by chunk id, treating a missing sub-score as 0,
// and returns them sorted by fused score (ties by id).
func fuse(hits map[Strategy][]Candidate, w Weights) []RetrievedChunk {
	byID := make(map[string]*RetrievedChunk)
	var order []string
	for _, s := range []Strategy{StrategyVector, StrategyKeyword, StrategySemantic} {
		for id, c := range bestPerChunk(hits[s]) {
			rc, ok := byID[id]
			if !ok {
				rc = &RetrievedChunk{Chunk: c.Chunk}
				byID[id] = rc
				order = append(order, id)
			}
			switch s {
			case StrategyVector:
				rc.VectorScore = c.Score
			case StrategyKeyword:
				rc.KeywordScore = c.Score
			case StrategySemantic:
				rc.SemanticScore = c.Score
			}
			if rc.Content == "" {
				rc.Chunk = c.Chunk
			}
		}
	}

	out := make([]RetrievedChunk, 0, len(order))
	for _, id := range order {
		rc := byID[id]
		rc.FusedScore = w.Vector*rc.VectorScore + w.Keyword*rc.KeywordScore + w.Semantic*rc.SemanticScore
		out = append(out, *rc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// bestPerChunk keeps the highest score when a source lists a chunk twice.
func bestPerChunk(cands []Candidate) map[string]Candidate {
	best := make(map[string]Candidate, len(cands))
	for _, c := range cands {
		if b, ok := best[c.Chunk.ID]; !ok || c.Score > b.Score {
			best[c.Chunk.ID] = c
		}
	}
	return best
}

// selectTop drops chunks below minSimilarity, then truncates to topK.
// It returns the kept chunks and how many passed the filter.
func selectTop(chunks []RetrievedChunk, minSimilarity float64, topK int) ([]RetrievedChunk, int) {
	kept := chunks[:0:0]
	for _, c := range chunks {
		if c.FusedScore >= minSimilarity {
			kept = append(kept, c)
		}
	}
	total := len(kept)
	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept, total
}

// applyRerank orders the first k chunks by scores and leaves the rest in
// fused order after them. Window chunks scoring below threshold are dropped.
func applyRerank(chunks []RetrievedChunk, scores []float64, k int, threshold float64) []RetrievedChunk {
	window := make([]RetrievedChunk, 0, k)
	for i := 0; i < k; i++ {
		c := chunks[i]
		s := scores[i]
		c.ReRankScore = &s
		if s < threshold {
			continue
		}
		window = append(window, c)
	}
	sort.SliceStable(window, func(i, j int) bool {
		return *window[i].ReRankScore > *window[j].ReRankScore
	})
	return append(window, chunks[k:]...)
}
