package vectorstore

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

// Chromem is an embedded vector store for single-node deployments and tests.
type Chromem struct {
	db *chromem.DB
}

// NewChromem returns an in-memory store. A non-empty path persists
// collections to disk under that directory.
func NewChromem(path string) (*Chromem, error) {
	if path == "" {
		return &Chromem{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db %s: %w", path, err)
	}
	return &Chromem{db: db}, nil
}

// Embeddings are always supplied by the caller, so collections never embed.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("chromem: embedding must be precomputed")
}

func (c *Chromem) collection(name string) (*chromem.Collection, error) {
	col, err := c.db.GetOrCreateCollection(name, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", name, err)
	}
	return col, nil
}

// EnsureCollection creates the collection. Dimension is fixed by the first vector.
func (c *Chromem) EnsureCollection(_ context.Context, name string, _ int) error {
	_, err := c.collection(name)
	return err
}

func (c *Chromem) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	col, err := c.collection(collection)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, 0, len(points))
	for _, p := range points {
		meta := make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			meta[k] = v
		}
		docs = append(docs, chromem.Document{
			ID:        p.ID,
			Content:   p.Content,
			Embedding: p.Vector,
			Metadata:  meta,
		})
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

func (c *Chromem) Query(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string, minScore float64) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	col := c.db.GetCollection(collection, noEmbed)
	if col == nil {
		return nil, nil
	}
	// chromem rejects nResults larger than the collection.
	n := topK
	if count := col.Count(); count == 0 {
		return nil, nil
	} else if n > count {
		n = count
	}
	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}
	results, err := col.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	out := make([]Match, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < minScore {
			continue
		}
		out = append(out, Match{ID: r.ID, Score: score, Content: r.Content, Metadata: r.Metadata})
	}
	return out, nil
}

func (c *Chromem) Delete(ctx context.Context, collection string, ids []string, filter map[string]string) error {
	col := c.db.GetCollection(collection, noEmbed)
	if col == nil {
		return nil
	}
	if len(ids) > 0 {
		if err := col.Delete(ctx, nil, nil, ids...); err != nil {
			return fmt.Errorf("delete %s: %w", collection, err)
		}
	}
	if len(filter) > 0 {
		if err := col.Delete(ctx, filter, nil); err != nil {
			return fmt.Errorf("delete %s: %w", collection, err)
		}
	}
	return nil
}

var _ Store = (*Chromem)(nil)
