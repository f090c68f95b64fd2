package memory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/cache"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/observability"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// LongTermConfig controls structured memory and session snapshots.
type LongTermConfig struct {
	// SnapshotThreshold is how many new messages trigger a session summary.
	SnapshotThreshold int
	Collection        string
	TTL               cache.TTL
}

const (
	defaultSnapshotThreshold = 5
	knowledgeCollection      = "knowledge_base"

	summaryImportance    = 1.0
	abilityLogImportance = 0.3
)

func (c *LongTermConfig) applyDefaults() {
	if c.SnapshotThreshold <= 0 {
		c.SnapshotThreshold = defaultSnapshotThreshold
	}
	if c.Collection == "" {
		c.Collection = knowledgeCollection
	}
	if c.TTL.Local == 0 {
		c.TTL.Local = 10 * time.Minute
	}
	if c.TTL.Distributed == 0 {
		c.TTL.Distributed = time.Hour
	}
}

// LongTerm stores structured memory entities and indexes their content for
// semantic recall.
type LongTerm struct {
	entities   store.EntityStore
	messages   store.MessageLog
	vectors    vectorstore.Store
	embedder   embedding.Provider
	summarizer Summarizer
	cache      *cache.Facade
	cfg        LongTermConfig
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewLongTerm creates the long-term tier.
func NewLongTerm(entities store.EntityStore, messages store.MessageLog, vectors vectorstore.Store,
	embedder embedding.Provider, sum Summarizer, c *cache.Facade, cfg LongTermConfig,
	logger *zap.Logger, metrics *observability.Metrics) *LongTerm {
	cfg.applyDefaults()
	return &LongTerm{
		entities:   entities,
		messages:   messages,
		vectors:    vectors,
		embedder:   embedder,
		summarizer: sum,
		cache:      c,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
	}
}

// Save persists e and indexes its content. Indexing failures are logged;
// the durable record is the source of truth.
func (l *LongTerm) Save(ctx context.Context, e model.StructuredMemoryEntity) (model.StructuredMemoryEntity, error) {
	if e.UserID == "" {
		return e, ErrInvalidUser
	}
	if e.Type == "" {
		e.Type = model.EntityFact
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := l.entities.SaveEntity(ctx, e); err != nil {
		return e, fmt.Errorf("save entity: %w", err)
	}
	if e.Content != "" {
		if err := l.index(ctx, e); err != nil {
			l.logger.Warn("entity indexing failed",
				zap.String("id", e.ID), zap.String("type", e.Type), zap.Error(err))
		}
	}
	return e, nil
}

func (l *LongTerm) index(ctx context.Context, e model.StructuredMemoryEntity) error {
	vec, err := embedding.EmbedOne(ctx, l.embedder, e.Content)
	if err != nil {
		return err
	}
	if err := l.vectors.EnsureCollection(ctx, l.cfg.Collection, len(vec)); err != nil {
		return err
	}
	return l.vectors.Upsert(ctx, l.cfg.Collection, []vectorstore.Point{{
		ID:      e.ID,
		Vector:  vec,
		Content: e.Content,
		Metadata: map[string]string{
			"user_id":    e.UserID,
			"session_id": e.SessionID,
			"type":       e.Type,
			"importance": strconv.FormatFloat(e.ImportanceScore, 'f', -1, 64),
		},
	}})
}

// Search matches userID and typ exactly and query as a case-insensitive
// substring. Archived entities are excluded; newest first.
func (l *LongTerm) Search(ctx context.Context, userID, query, typ string) ([]model.StructuredMemoryEntity, error) {
	out, err := l.entities.SearchEntities(ctx, store.EntityQuery{UserID: userID, Type: typ, Text: query})
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	return out, nil
}

// RecallOption narrows Recall.
type RecallOption func(map[string]string)

// RecallForUser restricts Recall to one user's entities.
func RecallForUser(userID string) RecallOption {
	return func(f map[string]string) { f["user_id"] = userID }
}

// Recall is a pure vector lookup over indexed entity content.
func (l *LongTerm) Recall(ctx context.Context, query string, limit int, minRelevance float64, opts ...RecallOption) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	vec, err := embedding.EmbedOne(ctx, l.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	filter := map[string]string{}
	for _, o := range opts {
		o(filter)
	}
	matches, err := l.vectors.Query(ctx, l.cfg.Collection, vec, limit, filter, minRelevance)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.Content != "" {
			out = append(out, m.Content)
		}
	}
	return out, nil
}

// Archive soft-archives every live entity of userID below the importance
// threshold and drops them from the vector index. It returns how many
// entities were archived by this call.
func (l *LongTerm) Archive(ctx context.Context, userID string, importanceThreshold float64) (int, error) {
	ids, err := l.entities.ArchiveEntities(ctx, userID, importanceThreshold)
	if err != nil {
		return 0, fmt.Errorf("archive entities: %w", err)
	}
	if len(ids) > 0 {
		if err := l.vectors.Delete(ctx, l.cfg.Collection, ids, nil); err != nil {
			l.logger.Warn("archived entities left in vector index",
				zap.String("user", userID), zap.Int("count", len(ids)), zap.Error(err))
		}
	}
	l.logger.Info("archive sweep complete",
		zap.String("user", userID),
		zap.Float64("threshold", importanceThreshold),
		zap.Int("archived", len(ids)))
	return len(ids), nil
}

// snapshot is the cached newest summary of a session.
type snapshot struct {
	Content   string `json:"content"`
	Watermark int64  `json:"watermark"`
}

func summaryKey(sessionID string) string { return "summary:" + sessionID }

func (l *LongTerm) latestSnapshot(ctx context.Context, sessionID string) (snapshot, error) {
	return cache.GetOrCreate(ctx, l.cache, summaryKey(sessionID), l.cfg.TTL,
		func(ctx context.Context) (snapshot, error) {
			found, err := l.entities.SearchEntities(ctx, store.EntityQuery{
				SessionID: sessionID,
				Type:      model.EntitySummary,
				Limit:     1,
			})
			if err != nil || len(found) == 0 {
				return snapshot{}, err
			}
			return snapshot{Content: found[0].Content, Watermark: found[0].Watermark}, nil
		})
}

// Snapshot writes a new session summary covering messages after the last
// one, when at least SnapshotThreshold messages are new or force is set.
// It reports whether a summary was written.
func (l *LongTerm) Snapshot(ctx context.Context, sc Scope, force bool) (bool, error) {
	prev, err := l.latestSnapshot(ctx, sc.SessionID)
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	fresh, err := l.messages.ListMessagesAfter(ctx, sc.SessionID, prev.Watermark)
	if err != nil {
		return false, fmt.Errorf("list messages: %w", err)
	}
	if len(fresh) == 0 || (len(fresh) < l.cfg.SnapshotThreshold && !force) {
		return false, nil
	}

	content, err := l.summarizer.Summarize(ctx, prev.Content, fresh)
	if err != nil {
		return false, err
	}
	next := model.StructuredMemoryEntity{
		UserID:          sc.UserID,
		SessionID:       sc.SessionID,
		Type:            model.EntitySummary,
		Content:         content,
		ImportanceScore: summaryImportance,
		Watermark:       fresh[len(fresh)-1].Seq,
	}
	if _, err := l.Save(ctx, next); err != nil {
		return false, err
	}
	snap := snapshot{Content: next.Content, Watermark: next.Watermark}
	if err := cache.Set(ctx, l.cache, summaryKey(sc.SessionID), snap, l.cfg.TTL); err != nil {
		l.logger.Warn("summary cache write failed", zap.String("session", sc.SessionID), zap.Error(err))
		_ = l.cache.Remove(ctx, summaryKey(sc.SessionID))
	}
	l.metrics.Snapshot()
	l.logger.Info("session snapshot written",
		zap.String("session", sc.SessionID),
		zap.Int("messages", len(fresh)),
		zap.Int64("watermark", next.Watermark))
	return true, nil
}

// Tier adapts long-term memory to the Tier interface.
func (l *LongTerm) Tier() Tier { return longTermTier{l} }

type longTermTier struct{ l *LongTerm }

func (t longTermTier) Name() string { return "long_term" }

func (t longTermTier) Load(ctx context.Context, sc Scope) (model.MemoryContext, error) {
	snap, err := t.l.latestSnapshot(ctx, sc.SessionID)
	if err != nil {
		return model.MemoryContext{}, err
	}
	return model.MemoryContext{Summary: snap.Content}, nil
}

func (t longTermTier) Save(ctx context.Context, sc Scope, u model.MemoryUpdate) error {
	if u.AbilityLog != "" {
		_, err := t.l.Save(ctx, model.StructuredMemoryEntity{
			UserID:          sc.UserID,
			SessionID:       sc.SessionID,
			Type:            model.EntityAbilityLog,
			Content:         u.AbilityLog,
			ImportanceScore: abilityLogImportance,
		})
		if err != nil {
			return err
		}
	}
	_, err := t.l.Snapshot(ctx, sc, u.ShouldForceSummarize)
	return err
}

func (t longTermTier) Clear(ctx context.Context, sc Scope) error {
	ids, err := t.l.entities.DeleteSessionEntities(ctx, sc.SessionID)
	if err != nil {
		return fmt.Errorf("delete session entities: %w", err)
	}
	if err := t.l.vectors.Delete(ctx, t.l.cfg.Collection, ids, map[string]string{"session_id": sc.SessionID}); err != nil {
		t.l.logger.Warn("session entities left in vector index",
			zap.String("session", sc.SessionID), zap.Error(err))
	}
	return t.l.cache.Remove(ctx, summaryKey(sc.SessionID))
}
