package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/cache"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// wordEstimator counts whitespace-separated words.
type wordEstimator struct{}

func (wordEstimator) Count(_, text string) int { return len(strings.Fields(text)) }

type fakeSummarizer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSummarizer) Summarize(_ context.Context, previous string, msgs []model.ChatMessage) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	s := fmt.Sprintf("summary of %d messages", len(msgs))
	if previous != "" {
		s = previous + "; " + s
	}
	return s, nil
}

type fixture struct {
	store   *store.SQLite
	vectors *vectorstore.Chromem
	cache   *cache.Facade
	embed   embedding.Provider
	sum     *fakeSummarizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "memory.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(st.Close)

	vs, err := vectorstore.NewChromem("")
	if err != nil {
		t.Fatalf("open chromem: %v", err)
	}
	c, err := cache.New(cache.LocalConfig{}, cache.NewMemory(), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	t.Cleanup(c.Close)

	return &fixture{
		store:   st,
		vectors: vs,
		cache:   c,
		embed:   embedding.NewHashProvider(128),
		sum:     &fakeSummarizer{},
	}
}

func (f *fixture) shortTerm(cfg ShortTermConfig) *ShortTerm {
	return NewShortTerm(f.store, f.cache, wordEstimator{}, f.sum, cfg, zap.NewNop(), nil)
}

func (f *fixture) longTerm(cfg LongTermConfig) *LongTerm {
	return NewLongTerm(f.store, f.store, f.vectors, f.embed, f.sum, f.cache, cfg, zap.NewNop(), nil)
}

func (f *fixture) vectorRecall(cfg VectorRecallConfig) *VectorRecall {
	return NewVectorRecall(f.vectors, f.embed, f.cache, cfg, zap.NewNop())
}

func appendN(t *testing.T, st *ShortTerm, sessionID string, n int) []model.ChatMessage {
	t.Helper()
	out := make([]model.ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		m, err := st.Append(context.Background(), sessionID, model.ChatMessage{
			Role:    role,
			Content: strings.TrimSpace(strings.Repeat("word ", i%4+1)) + fmt.Sprintf(" m%d", i),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, m)
	}
	return out
}
