package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/cache"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// VectorRecallConfig controls semantic recall over past messages.
type VectorRecallConfig struct {
	Collection string
	TopK       int
	MinScore   float64
	TTL        cache.TTL
}

const conversationCollection = "conversations"

func (c *VectorRecallConfig) applyDefaults() {
	if c.Collection == "" {
		c.Collection = conversationCollection
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.TTL.Local == 0 {
		c.TTL.Local = 10 * time.Minute
	}
	if c.TTL.Distributed == 0 {
		c.TTL.Distributed = 24 * time.Hour
	}
}

// VectorRecall indexes every message and recalls the ones most similar to
// the latest turn. Each text is stored in the same point as its vector.
type VectorRecall struct {
	vectors  vectorstore.Store
	embedder embedding.Provider
	cache    *cache.Facade
	cfg      VectorRecallConfig
	logger   *zap.Logger
}

// NewVectorRecall creates the vector recall tier.
func NewVectorRecall(vectors vectorstore.Store, embedder embedding.Provider, c *cache.Facade,
	cfg VectorRecallConfig, logger *zap.Logger) *VectorRecall {
	cfg.applyDefaults()
	return &VectorRecall{vectors: vectors, embedder: embedder, cache: c, cfg: cfg, logger: logger}
}

// turn is the most recent message of a session, used as the recall query.
type turn struct {
	PointID string    `json:"point_id"`
	Text    string    `json:"text"`
	Vector  []float32 `json:"vector"`
}

func turnKey(sessionID string) string { return "recall:turn:" + sessionID }

func (v *VectorRecall) Name() string { return "vector_recall" }

// Load returns snippets similar to the current turn, excluding the turn itself.
func (v *VectorRecall) Load(ctx context.Context, sc Scope) (model.MemoryContext, error) {
	if err := sc.validate(); err != nil {
		return model.MemoryContext{}, err
	}
	cur, ok, err := cache.Get[turn](ctx, v.cache, turnKey(sc.SessionID), v.cfg.TTL)
	if err != nil {
		return model.MemoryContext{}, fmt.Errorf("load current turn: %w", err)
	}
	if !ok || len(cur.Vector) == 0 {
		return model.MemoryContext{}, nil
	}

	filter := map[string]string{"user_id": userOrSession(sc)}
	matches, err := v.vectors.Query(ctx, v.cfg.Collection, cur.Vector, v.cfg.TopK+1, filter, v.cfg.MinScore)
	if err != nil {
		return model.MemoryContext{}, fmt.Errorf("recall query: %w", err)
	}
	snippets := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.ID == cur.PointID || m.Content == "" || m.Content == cur.Text {
			continue
		}
		snippets = append(snippets, m.Content)
		if len(snippets) == v.cfg.TopK {
			break
		}
	}
	return model.MemoryContext{KnowledgeSnippets: snippets}, nil
}

// Update embeds the new message, indexes it and makes it the current turn.
func (v *VectorRecall) Update(ctx context.Context, sc Scope, u model.MemoryUpdate) error {
	if !u.HasMessage() {
		return nil
	}
	if err := sc.validate(); err != nil {
		return err
	}
	text := u.NewMessage.Content
	vec, err := embedding.EmbedOne(ctx, v.embedder, text)
	if err != nil {
		return fmt.Errorf("embed message: %w", err)
	}
	if err := v.vectors.EnsureCollection(ctx, v.cfg.Collection, len(vec)); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	id := uuid.NewString()
	err = v.vectors.Upsert(ctx, v.cfg.Collection, []vectorstore.Point{{
		ID:      id,
		Vector:  vec,
		Content: text,
		Metadata: map[string]string{
			"session_id": sc.SessionID,
			"user_id":    userOrSession(sc),
			"role":       string(u.NewMessage.Role),
		},
	}})
	if err != nil {
		return fmt.Errorf("index message: %w", err)
	}
	return cache.Set(ctx, v.cache, turnKey(sc.SessionID), turn{PointID: id, Text: text, Vector: vec}, v.cfg.TTL)
}

func (v *VectorRecall) Save(ctx context.Context, sc Scope, u model.MemoryUpdate) error {
	return v.Update(ctx, sc, u)
}

// Clear removes the session's points and current turn.
func (v *VectorRecall) Clear(ctx context.Context, sc Scope) error {
	if err := sc.validate(); err != nil {
		return err
	}
	if err := v.vectors.Delete(ctx, v.cfg.Collection, nil, map[string]string{"session_id": sc.SessionID}); err != nil {
		return fmt.Errorf("delete session points: %w", err)
	}
	return v.cache.Remove(ctx, turnKey(sc.SessionID))
}

func userOrSession(sc Scope) string {
	if sc.UserID != "" {
		return sc.UserID
	}
	return sc.SessionID
}

var _ Tier = (*VectorRecall)(nil)
