package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/cache"
	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/jobs"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/observability"
	"github.com/nidhogg/nuka-memory/internal/prompt"
	"github.com/nidhogg/nuka-memory/internal/provider"
	"github.com/nidhogg/nuka-memory/internal/retrieval"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/tokens"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
	"github.com/nidhogg/nuka-memory/internal/warmer"
)

// services is the wired service graph. close releases backends in reverse
// order of construction.
type services struct {
	router    *provider.Router
	composer  *memory.Composer
	shortTerm *memory.ShortTerm
	longTerm  *memory.LongTerm
	tasks     *memory.TaskContexts
	engine    *retrieval.Engine
	indexer   *retrieval.Indexer
	warmer    *warmer.Warmer
	scheduler *jobs.Scheduler
	assembler *prompt.Assembler

	closers []func(context.Context)
}

func (s *services) onClose(fn func(context.Context)) { s.closers = append(s.closers, fn) }

func (s *services) close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i](ctx)
	}
}

// openBackend opens Postgres when a DSN is configured, SQLite otherwise.
// Postgres is migrated here; SQLite migrates on open.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Backend, error) {
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		pg, err := store.NewPostgres(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return pg, nil
	}
	return store.NewSQLite(ctx, cfg.Database.SQLite.Path, logger)
}

func openVectors(cfg *config.Config, logger *zap.Logger) (vectorstore.Store, func(), error) {
	if cfg.Database.Qdrant.Host != "" {
		q, err := vectorstore.NewQdrant(cfg.Database.Qdrant)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("vector store: qdrant",
			zap.String("host", cfg.Database.Qdrant.Host), zap.Int("port", cfg.Database.Qdrant.Port))
		return q, func() { _ = q.Close() }, nil
	}
	c, err := vectorstore.NewChromem(cfg.Database.Chromem.Path)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("vector store: chromem", zap.String("path", cfg.Database.Chromem.Path))
	return c, func() {}, nil
}

// openDistributed connects Redis when configured. The returned set backs
// query frequency tracking on the same backend.
func openDistributed(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Distributed, warmer.RankedSet, func(), error) {
	if url := cfg.Database.Redis.URL; url != "" {
		rd, err := cache.NewRedis(ctx, url, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return rd, warmer.NewRedisRankedSet(rd.Client()), func() { _ = rd.Close() }, nil
	}
	logger.Info("no redis configured, using in-process distributed cache")
	return cache.NewMemory(), warmer.NewMemoryRankedSet(), func() {}, nil
}

func buildRouter(cfg *config.Config, logger *zap.Logger) (*provider.Router, error) {
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(pc.Provider(), logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		router.Register(p)
	}
	if cfg.Routing.Default != "" {
		router.SetDefault(cfg.Routing.Default)
	}
	for purpose, id := range cfg.Routing.Bindings {
		router.Bind(purpose, id)
	}
	for purpose, ids := range cfg.Routing.Fallbacks {
		router.SetFallbacks(purpose, ids)
	}
	return router, nil
}

func buildServices(ctx context.Context, cfg *config.Config, logger *zap.Logger,
	tracer *observability.Tracer, metrics *observability.Metrics) (_ *services, err error) {
	s := &services{}
	defer func() {
		if err != nil {
			s.close(context.Background())
		}
	}()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.onClose(func(context.Context) { backend.Close() })

	var entities store.EntityStore = backend
	if cfg.Memory.LongTerm.EntityBackend == "neo4j" {
		neo, err := store.NewNeo4jEntities(ctx, cfg.Database.Neo4j.URI,
			cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if err != nil {
			return nil, err
		}
		s.onClose(func(ctx context.Context) { _ = neo.Close(ctx) })
		entities = neo
	}

	vectors, closeVectors, err := openVectors(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.onClose(func(context.Context) { closeVectors() })

	dist, ranked, closeDist, err := openDistributed(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.onClose(func(context.Context) { closeDist() })

	c, err := cache.New(cfg.CacheLocal(), dist, logger, metrics)
	if err != nil {
		return nil, err
	}
	s.onClose(func(context.Context) { c.Close() })

	embedder, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	semantic, err := embedding.NewProvider(cfg.SemanticEmbedding)
	if err != nil {
		return nil, err
	}

	s.router, err = buildRouter(cfg, logger)
	if err != nil {
		return nil, err
	}

	var est tokens.Estimator = tokens.NewHeuristic()
	if cfg.Memory.ShortTerm.Tokenizer == "tiktoken" {
		est = tokens.NewTiktoken()
	}
	var sum memory.Summarizer = memory.ExtractiveSummarizer{}
	if cfg.Memory.ShortTerm.Summarizer == "llm" {
		sum = memory.NewLLMSummarizer(s.router)
	}

	s.shortTerm = memory.NewShortTerm(backend, c, est, sum, cfg.ShortTerm(), logger, metrics)
	s.longTerm = memory.NewLongTerm(entities, backend, vectors, embedder, sum, c, cfg.LongTerm(), logger, metrics)
	recall := memory.NewVectorRecall(vectors, embedder, c, cfg.VectorRecall(), logger)
	s.composer = memory.NewComposer(logger, tracer, metrics, s.shortTerm.Tier(), s.longTerm.Tier(), recall)
	s.tasks = memory.NewTaskContexts(backend, c, cfg.Memory.Tasks.CacheTTL.TTL(), logger)

	var reranker retrieval.Reranker
	switch cfg.Retrieval.Rerank.Reranker {
	case "embedding":
		reranker = retrieval.NewEmbeddingReranker(semantic)
	case "provider":
		reranker = retrieval.NewProviderReranker(s.router)
	}
	sources := []retrieval.Source{
		retrieval.NewVectorSource(vectors, embedder),
		retrieval.NewKeywordSource(backend),
		retrieval.NewSemanticSource(vectors, semantic),
	}
	s.engine = retrieval.NewEngine(cfg.Engine(), sources, reranker, c, logger, tracer, metrics)
	s.indexer = retrieval.NewIndexer(backend, vectors, embedder, semantic, cfg.Chunker(), logger)
	s.warmer = warmer.New(ranked, s.engine, cfg.Warmer(), logger, metrics)

	s.scheduler, err = jobs.New(cfg.Jobs(), s.warmer, s.longTerm, logger)
	if err != nil {
		return nil, err
	}
	s.assembler = prompt.NewAssembler(cfg.Prompt, est, logger)
	return s, nil
}

// newRegistry returns the Prometheus registry with the Go runtime and
// process collectors registered.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
