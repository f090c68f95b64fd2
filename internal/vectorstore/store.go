// Package vectorstore is the nearest-neighbour index used by the recall tiers
// and the retrieval engine. Points carry their text, so a vector and the
// content it was computed from are always written together.
package vectorstore

import "context"

// Point is one indexed item.
type Point struct {
	ID       string // UUID
	Vector   []float32
	Content  string
	Metadata map[string]string
}

// Match is a query hit. Score is cosine similarity.
type Match struct {
	ID       string
	Score    float64
	Content  string
	Metadata map[string]string
}

// Store is implemented by the Qdrant and chromem backends.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dimension int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	// Query returns up to topK matches with score >= minScore whose metadata
	// equals every entry of filter, best first. A missing collection is empty.
	// minScore <= -1 disables the threshold.
	Query(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string, minScore float64) ([]Match, error)
	// Delete removes the listed ids and every point matching filter.
	Delete(ctx context.Context, collection string, ids []string, filter map[string]string) error
}

const contentKey = "content"
