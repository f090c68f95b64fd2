package retrieval

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// chunkNamespace seeds deterministic chunk ids.
var chunkNamespace = uuid.MustParse("6f1c2a53-8d0e-4b7a-9a65-3c1d2e4f5a60")

// ChunkID is the stable id of a document's chunk at position.
func ChunkID(collection, documentID string, position int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(collection+":"+documentID+":"+strconv.Itoa(position))).String()
}

const embedBatch = 64

// Indexer ingests documents into a collection: chunks go to the chunk store
// for keyword search and to both vector collections.
type Indexer struct {
	chunks   store.ChunkStore
	vectors  vectorstore.Store
	embedder embedding.Provider
	semantic embedding.Provider
	chunker  Chunker
	logger   *zap.Logger
}

// NewIndexer creates an indexer. semantic may be nil to skip the semantic collection.
func NewIndexer(chunks store.ChunkStore, vectors vectorstore.Store, embedder, semantic embedding.Provider,
	chunker Chunker, logger *zap.Logger) *Indexer {
	return &Indexer{
		chunks:   chunks,
		vectors:  vectors,
		embedder: embedder,
		semantic: semantic,
		chunker:  chunker,
		logger:   logger,
	}
}

// Index replaces the document's chunks and vectors. Re-indexing the same
// document is idempotent. It returns the number of chunks written.
func (ix *Indexer) Index(ctx context.Context, doc model.Document) (int, error) {
	if doc.ID == "" || doc.Collection == "" {
		return 0, fmt.Errorf("index: document id and collection are required")
	}
	pieces := ix.chunker.Split(doc.Content)
	chunks := make([]model.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = model.Chunk{
			ID:         ChunkID(doc.Collection, doc.ID, i),
			DocumentID: doc.ID,
			Content:    p,
			Position:   i,
		}
	}

	if err := ix.chunks.SaveChunks(ctx, doc.Collection, doc.ID, chunks); err != nil {
		return 0, fmt.Errorf("save chunks: %w", err)
	}
	if err := ix.indexVectors(ctx, doc, chunks, doc.Collection, ix.embedder); err != nil {
		return 0, err
	}
	if ix.semantic != nil {
		if err := ix.indexVectors(ctx, doc, chunks, doc.Collection+semanticSuffix, ix.semantic); err != nil {
			return 0, err
		}
	}
	ix.logger.Info("document indexed",
		zap.String("collection", doc.Collection),
		zap.String("document", doc.ID),
		zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

func (ix *Indexer) indexVectors(ctx context.Context, doc model.Document, chunks []model.Chunk,
	collection string, e embedding.Provider) error {
	// Drop points of a previous, possibly longer, version of the document.
	if err := ix.vectors.Delete(ctx, collection, nil, map[string]string{metaDocumentID: doc.ID}); err != nil {
		return fmt.Errorf("clear %s: %w", collection, err)
	}
	for start := 0; start < len(chunks); start += embedBatch {
		batch := chunks[start:min(start+embedBatch, len(chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vecs, err := e.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vecs), len(batch))
		}
		if err := ix.vectors.EnsureCollection(ctx, collection, len(vecs[0])); err != nil {
			return fmt.Errorf("ensure %s: %w", collection, err)
		}
		points := make([]vectorstore.Point, len(batch))
		for i, c := range batch {
			meta := make(map[string]string, len(doc.Metadata)+2)
			for k, v := range doc.Metadata {
				meta[k] = v
			}
			meta[metaDocumentID] = doc.ID
			meta[metaPosition] = strconv.Itoa(c.Position)
			points[i] = vectorstore.Point{ID: c.ID, Vector: vecs[i], Content: c.Content, Metadata: meta}
		}
		if err := ix.vectors.Upsert(ctx, collection, points); err != nil {
			return fmt.Errorf("upsert %s: %w", collection, err)
		}
	}
	return nil
}

// Delete removes a document from the chunk store and both collections.
func (ix *Indexer) Delete(ctx context.Context, collection, documentID string) error {
	ids, err := ix.chunks.DeleteDocument(ctx, collection, documentID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	filter := map[string]string{metaDocumentID: documentID}
	if err := ix.vectors.Delete(ctx, collection, ids, filter); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if ix.semantic != nil {
		if err := ix.vectors.Delete(ctx, collection+semanticSuffix, ids, filter); err != nil {
			return fmt.Errorf("delete semantic vectors: %w", err)
		}
	}
	return nil
}
