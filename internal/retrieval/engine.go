package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/cache"
	"github.com/nidhogg/nuka-memory/internal/observability"
)

// EngineConfig tunes the retrieval engine.
type EngineConfig struct {
	// CandidatesPerSource is how many hits each source returns before fusion.
	CandidatesPerSource int
	// RerankFloor is the fewest candidates worth reranking.
	RerankFloor int
	// Weights apply to hybrid queries that set none.
	Weights  Weights
	CacheTTL cache.TTL
}

func (c *EngineConfig) applyDefaults() {
	if c.CandidatesPerSource <= 0 {
		c.CandidatesPerSource = 20
	}
	if c.RerankFloor <= 0 {
		c.RerankFloor = 2
	}
	if c.Weights.zero() {
		c.Weights = DefaultWeights
	}
	if c.CacheTTL.Local == 0 {
		c.CacheTTL.Local = 5 * time.Minute
	}
	if c.CacheTTL.Distributed == 0 {
		c.CacheTTL.Distributed = 30 * time.Minute
	}
}

var errScoreCount = errors.New("retrieval: reranker returned wrong number of scores")

// Engine is the hybrid retrieval engine.
type Engine struct {
	sources  map[Strategy]Source
	reranker Reranker
	cache    *cache.Facade
	cfg      EngineConfig
	logger   *zap.Logger
	tracer   *observability.Tracer
	metrics  *observability.Metrics
}

// NewEngine builds an engine over sources. reranker may be nil.
func NewEngine(cfg EngineConfig, sources []Source, reranker Reranker, c *cache.Facade,
	logger *zap.Logger, tracer *observability.Tracer, metrics *observability.Metrics) *Engine {
	cfg.applyDefaults()
	bySource := make(map[Strategy]Source, len(sources))
	for _, s := range sources {
		bySource[s.Strategy()] = s
	}
	return &Engine{
		sources:  bySource,
		reranker: reranker,
		cache:    c,
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
	}
}

// CacheKey is the cache key of a normalized query's result.
func CacheKey(collection string, q Query) string {
	raw, _ := json.Marshal(q)
	sum := sha256.Sum256(raw)
	return "rag:" + collection + ":" + hex.EncodeToString(sum[:])
}

// Retrieve runs q against collection. Complete results are cached; a result
// with a failed or unfinished source is returned with Partial set and is
// not cached.
func (e *Engine) Retrieve(ctx context.Context, collection string, q Query) (*Result, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	if q.Strategy == StrategyHybrid && q.Weights.zero() {
		q.Weights = e.cfg.Weights
	}
	ctx, span := e.tracer.Start(ctx, "retrieval.Retrieve",
		attribute.String("rag.collection", collection),
		attribute.String("rag.strategy", string(q.Strategy)))
	defer span.End()

	key := CacheKey(collection, q)
	if cached, ok, err := cache.Get[Result](ctx, e.cache, key, e.cfg.CacheTTL); err != nil {
		e.logger.Warn("retrieval cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		e.metrics.Retrieval("cache_hit")
		span.SetAttributes(attribute.Bool("rag.cache_hit", true))
		return &cached, nil
	}

	res := e.run(ctx, collection, q)
	span.SetAttributes(
		attribute.Int("rag.results", len(res.Chunks)),
		attribute.Bool("rag.partial", res.Partial))

	if res.Partial {
		e.metrics.Retrieval("partial")
		return res, nil
	}
	e.metrics.Retrieval("complete")
	if err := cache.Set(ctx, e.cache, key, *res, e.cfg.CacheTTL); err != nil {
		e.logger.Warn("retrieval cache write failed", zap.String("key", key), zap.Error(err))
	}
	return res, nil
}

type sourceResult struct {
	strategy Strategy
	hits     []Candidate
	err      error
}

// run fans out to the sources, fuses what comes back and reranks.
func (e *Engine) run(ctx context.Context, collection string, q Query) *Result {
	start := time.Now()
	strategies := q.strategies()

	results := make(chan sourceResult, len(strategies))
	pending := 0
	for _, s := range strategies {
		src, ok := e.sources[s]
		if !ok {
			e.logger.Debug("no source configured", zap.String("strategy", string(s)))
			continue
		}
		pending++
		go func() {
			t0 := time.Now()
			hits, err := src.Search(ctx, collection, q.Text, e.cfg.CandidatesPerSource)
			e.metrics.SourceSearch(string(s), time.Since(t0), err)
			results <- sourceResult{strategy: s, hits: hits, err: err}
		}()
	}

	hits := make(map[Strategy][]Candidate, len(strategies))
	partial := false
collect:
	for ; pending > 0; pending-- {
		select {
		case r := <-results:
			if r.err != nil {
				partial = true
				e.logger.Warn("retrieval source failed",
					zap.String("strategy", string(r.strategy)),
					zap.String("collection", collection),
					zap.Error(r.err))
				continue
			}
			hits[r.strategy] = r.hits
		case <-ctx.Done():
			partial = true
			e.logger.Info("retrieval cancelled, fusing finished sources",
				zap.String("collection", collection), zap.Int("pending", pending))
			break collect
		}
	}

	fused := fuse(hits, q.effectiveWeights())
	chunks, total := selectTop(fused, q.MinSimilarity, q.TopK)
	if ctx.Err() == nil {
		chunks = e.rerank(ctx, q, chunks)
	}
	if chunks == nil {
		chunks = []RetrievedChunk{}
	}

	return &Result{
		Chunks:          chunks,
		TotalMatches:    total,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Partial:         partial,
	}
}

// rerank rescores the window of the first MaxResults chunks. Chunks after
// the window keep fused order and always follow it.
func (e *Engine) rerank(ctx context.Context, q Query, chunks []RetrievedChunk) []RetrievedChunk {
	rr := q.ReRanking
	if !rr.Enabled || e.reranker == nil || len(chunks) < e.cfg.RerankFloor {
		return chunks
	}
	k := rr.MaxResults
	if k <= 0 || k > len(chunks) {
		k = len(chunks)
	}
	passages := make([]string, k)
	for i := range passages {
		passages[i] = chunks[i].Content
	}
	scores, err := e.reranker.Rerank(ctx, q.Text, passages)
	if err == nil && len(scores) != k {
		err = errScoreCount
	}
	if err != nil {
		e.logger.Warn("rerank failed, keeping fused order", zap.Error(err))
		return chunks
	}
	return applyRerank(chunks, scores, k, rr.Threshold)
}
