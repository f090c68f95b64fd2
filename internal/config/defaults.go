package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-memory/internal/cache"
	"github.com/nidhogg/nuka-memory/internal/jobs"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/observability"
	"github.com/nidhogg/nuka-memory/internal/provider"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
	"github.com/nidhogg/nuka-memory/internal/warmer"
)

// ApplyDefaults fills unset fields. Component-level defaults (TTLs,
// thresholds) are left to the components themselves.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}

	if c.Database.Postgres.DSN == "" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "nukamem.db"
	}
	if c.Database.Qdrant.Host != "" && c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.Dimension == 0 && c.Embedding.Provider == "hash" {
		c.Embedding.Dimension = 256
	}
	if c.SemanticEmbedding.Provider == "" {
		c.SemanticEmbedding = c.Embedding
	}

	if c.Memory.ShortTerm.Summarizer == "" {
		c.Memory.ShortTerm.Summarizer = "llm"
		if len(c.Providers) == 0 {
			c.Memory.ShortTerm.Summarizer = "extractive"
		}
	}
	if c.Memory.ShortTerm.Tokenizer == "" {
		c.Memory.ShortTerm.Tokenizer = "heuristic"
	}
	if c.Memory.LongTerm.EntityBackend == "" {
		c.Memory.LongTerm.EntityBackend = "sql"
	}
	if c.Memory.LongTerm.Archive.Threshold == 0 {
		c.Memory.LongTerm.Archive.Threshold = 0.5
	}

	if c.Retrieval.Rerank.Reranker == "" {
		c.Retrieval.Rerank.Reranker = "embedding"
	}

	if c.Prompt.ModelID == "" {
		c.Prompt.ModelID = c.Memory.ShortTerm.Model
	}

	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "nukamem"
	}
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: id is required", i))
		} else if seen[p.ID] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
	}
	for purpose, id := range c.Routing.Bindings {
		if !seen[id] {
			errs = append(errs, fmt.Errorf("routing.bindings[%s]: unknown provider %q", purpose, id))
		}
	}
	if c.Routing.Default != "" && !seen[c.Routing.Default] {
		errs = append(errs, fmt.Errorf("routing.default: unknown provider %q", c.Routing.Default))
	}

	switch c.Memory.ShortTerm.Summarizer {
	case "llm", "extractive":
	default:
		errs = append(errs, fmt.Errorf("memory.short_term.summarizer: unknown %q", c.Memory.ShortTerm.Summarizer))
	}
	switch c.Memory.ShortTerm.Tokenizer {
	case "heuristic", "tiktoken":
	default:
		errs = append(errs, fmt.Errorf("memory.short_term.tokenizer: unknown %q", c.Memory.ShortTerm.Tokenizer))
	}
	switch c.Memory.LongTerm.EntityBackend {
	case "sql":
	case "neo4j":
		if c.Database.Neo4j.URI == "" {
			errs = append(errs, errors.New("memory.long_term.entity_backend is neo4j but database.neo4j.uri is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.long_term.entity_backend: unknown %q", c.Memory.LongTerm.EntityBackend))
	}
	switch c.Retrieval.Rerank.Reranker {
	case "embedding", "provider", "none":
	default:
		errs = append(errs, fmt.Errorf("retrieval.rerank.reranker: unknown %q", c.Retrieval.Rerank.Reranker))
	}
	w := c.Retrieval.Weights
	if w.Vector < 0 || w.Keyword < 0 || w.Semantic < 0 {
		errs = append(errs, errors.New("retrieval.weights must not be negative"))
	}
	return errors.Join(errs...)
}

func (t TTLConfig) TTL() cache.TTL {
	return cache.TTL{Local: t.Local.Std(), Distributed: t.Distributed.Std()}
}

func (p ProviderConfig) Provider() provider.ProviderConfig {
	return provider.ProviderConfig{
		ID:         p.ID,
		Type:       p.Type,
		Name:       p.Name,
		Endpoint:   p.Endpoint,
		APIKey:     p.APIKey,
		Models:     p.Models,
		Timeout:    p.Timeout.Std(),
		MaxRetries: p.MaxRetries,
	}
}

func (c *Config) CacheLocal() cache.LocalConfig {
	return cache.LocalConfig{MaxCostBytes: c.Cache.MaxCostBytes, NumCounters: c.Cache.NumCounters}
}

func (c *Config) ShortTerm() memory.ShortTermConfig {
	st := c.Memory.ShortTerm
	return memory.ShortTermConfig{
		CompactThreshold: st.CompactThreshold,
		Budget:           st.Budget,
		ModelID:          st.Model,
		TTL:              st.CacheTTL.TTL(),
	}
}

func (c *Config) LongTerm() memory.LongTermConfig {
	lt := c.Memory.LongTerm
	return memory.LongTermConfig{
		SnapshotThreshold: lt.SnapshotThreshold,
		Collection:        lt.Collection,
		TTL:               lt.CacheTTL.TTL(),
	}
}

func (c *Config) VectorRecall() memory.VectorRecallConfig {
	vr := c.Memory.VectorRecall
	return memory.VectorRecallConfig{
		Collection: vr.Collection,
		TopK:       vr.TopK,
		MinScore:   vr.MinScore,
		TTL:        vr.CacheTTL.TTL(),
	}
}

func (c *Config) Engine() retrieval.EngineConfig {
	return retrieval.EngineConfig{
		CandidatesPerSource: c.Retrieval.CandidatesPerSource,
		RerankFloor:         c.Retrieval.Rerank.Floor,
		Weights:             c.Retrieval.Weights,
		CacheTTL:            c.Retrieval.Cache.TTL(),
	}
}

func (c *Config) Chunker() retrieval.Chunker {
	return retrieval.Chunker{Size: c.Retrieval.Chunk.Size, Overlap: c.Retrieval.Chunk.Overlap}
}

func (c *Config) Warmer() warmer.Config {
	return warmer.Config{Keep: c.Retrieval.Warmup.Keep, Replay: c.Retrieval.Warmup.Replay}
}

func (c *Config) Jobs() jobs.Config {
	return jobs.Config{
		WarmupSchedule:   c.Retrieval.Warmup.Schedule,
		Collections:      c.Retrieval.Warmup.Collections,
		ArchiveSchedule:  c.Memory.LongTerm.Archive.Schedule,
		ArchiveUsers:     c.Memory.LongTerm.Archive.Users,
		ArchiveThreshold: c.Memory.LongTerm.Archive.Threshold,
	}
}

func (c *Config) Tracing(version string) observability.TraceConfig {
	t := c.Observability.Tracing
	return observability.TraceConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Environment:    t.Environment,
		Endpoint:       t.Endpoint,
		SamplingRate:   t.SamplingRate,
		Insecure:       t.Insecure,
	}
}
