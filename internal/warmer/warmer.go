// Package warmer tracks which retrieval queries are popular and replays
// them to keep their results cached.
package warmer

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/observability"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
)

// Retriever runs retrieval queries. *retrieval.Engine satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, collection string, q retrieval.Query) (*retrieval.Result, error)
}

// Config bounds the frequency sets.
type Config struct {
	// Keep is how many distinct queries each collection tracks.
	Keep int
	// Replay is how many of the most frequent queries Warmup runs.
	Replay int
}

func (c *Config) applyDefaults() {
	if c.Keep <= 0 {
		c.Keep = 100
	}
	if c.Replay <= 0 {
		c.Replay = 20
	}
}

// Warmer records query frequencies and replays the top queries through the
// engine, which populates the cache. It never writes cache entries itself.
type Warmer struct {
	set     RankedSet
	engine  Retriever
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
}

func New(set RankedSet, engine Retriever, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Warmer {
	cfg.applyDefaults()
	return &Warmer{set: set, engine: engine, cfg: cfg, logger: logger, metrics: metrics}
}

func freqKey(collection string) string { return "rag:freq:" + collection }

// RecordAccess counts one use of q against collection. Queries are stored
// normalized so equivalent queries share a counter.
func (w *Warmer) RecordAccess(ctx context.Context, collection string, q retrieval.Query) error {
	q, err := q.Normalize()
	if err != nil {
		return err
	}
	member, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	key := freqKey(collection)
	if err := w.set.Increment(ctx, key, string(member), 1); err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	if err := w.set.TrimBelowRank(ctx, key, w.cfg.Keep); err != nil {
		return fmt.Errorf("trim frequencies: %w", err)
	}
	return nil
}

// Warmup replays the most frequent queries of collection and returns how
// many completed. A failing query is logged and skipped.
func (w *Warmer) Warmup(ctx context.Context, collection string) (int, error) {
	top, err := w.set.TopByScore(ctx, freqKey(collection), w.cfg.Replay)
	if err != nil {
		return 0, fmt.Errorf("read frequencies: %w", err)
	}

	warmed := 0
	for _, m := range top {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		var q retrieval.Query
		if err := json.Unmarshal([]byte(m.Value), &q); err != nil {
			w.logger.Warn("skipping undecodable warmup query",
				zap.String("collection", collection), zap.Error(err))
			continue
		}
		if _, err := w.engine.Retrieve(ctx, collection, q); err != nil {
			w.logger.Warn("warmup query failed",
				zap.String("collection", collection),
				zap.String("query", q.Text),
				zap.Error(err))
			continue
		}
		warmed++
	}

	w.metrics.Warmup(collection, warmed)
	w.logger.Info("cache warmup done",
		zap.String("collection", collection),
		zap.Int("queries", warmed),
		zap.Int("tracked", len(top)))
	return warmed, nil
}
