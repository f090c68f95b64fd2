package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/cache"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/observability"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/tokens"
)

// ShortTermConfig controls the sliding window.
type ShortTermConfig struct {
	// CompactThreshold is the message count above which Compact summarizes.
	CompactThreshold int
	// Budget is the token budget used when loading as a Tier. <= 0 is unlimited.
	Budget  int
	ModelID string
	TTL     cache.TTL
}

const defaultCompactThreshold = 20

func (c *ShortTermConfig) applyDefaults() {
	if c.CompactThreshold <= 0 {
		c.CompactThreshold = defaultCompactThreshold
	}
	if c.TTL.Local == 0 {
		c.TTL.Local = 10 * time.Minute
	}
	if c.TTL.Distributed == 0 {
		c.TTL.Distributed = time.Hour
	}
}

// ShortTerm is the recent-turn window over a session's message log.
type ShortTerm struct {
	log        store.MessageLog
	cache      *cache.Facade
	estimator  tokens.Estimator
	summarizer Summarizer
	cfg        ShortTermConfig
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewShortTerm creates the short-term tier.
func NewShortTerm(log store.MessageLog, c *cache.Facade, est tokens.Estimator, sum Summarizer,
	cfg ShortTermConfig, logger *zap.Logger, metrics *observability.Metrics) *ShortTerm {
	cfg.applyDefaults()
	return &ShortTerm{
		log:        log,
		cache:      c,
		estimator:  est,
		summarizer: sum,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
	}
}

func historyKey(sessionID string) string { return "history:" + sessionID }

// history returns the full session transcript, cached.
func (s *ShortTerm) history(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	return cache.GetOrCreate(ctx, s.cache, historyKey(sessionID), s.cfg.TTL,
		func(ctx context.Context) ([]model.ChatMessage, error) {
			msgs, err := s.log.ListMessages(ctx, sessionID)
			if msgs == nil {
				msgs = []model.ChatMessage{}
			}
			return msgs, err
		})
}

// Load returns the longest suffix of the session whose summed message cost
// fits tokenBudget. Use tokens.Unlimited for the whole session.
func (s *ShortTerm) Load(ctx context.Context, sessionID string, tokenBudget int) ([]model.ChatMessage, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	if tokenBudget < 0 {
		return nil, ErrNegativeBudget
	}
	msgs, err := s.history(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", sessionID, err)
	}
	return fitSuffix(s.estimator, s.cfg.ModelID, msgs, tokenBudget), nil
}

// fitSuffix walks newest to oldest and stops at the first message that
// would overflow budget.
func fitSuffix(est tokens.Estimator, modelID string, msgs []model.ChatMessage, budget int) []model.ChatMessage {
	used, start := 0, len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := tokens.MessageCost(est, modelID, msgs[i])
		if cost > budget-used {
			break
		}
		used += cost
		start = i
	}
	out := make([]model.ChatMessage, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}

// Append stores msg durably, then adds it to the cached transcript. A
// transcript that is not cached is left alone and loads fresh next time.
func (s *ShortTerm) Append(ctx context.Context, sessionID string, msg model.ChatMessage) (model.ChatMessage, error) {
	if sessionID == "" {
		return model.ChatMessage{}, ErrInvalidSession
	}
	if !msg.Role.Valid() {
		return model.ChatMessage{}, fmt.Errorf("append message: invalid role %q", msg.Role)
	}
	stored, err := s.log.AppendMessage(ctx, sessionID, msg)
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}

	err = cache.Update(ctx, s.cache, historyKey(sessionID), s.cfg.TTL,
		func(old []model.ChatMessage, found bool) ([]model.ChatMessage, error) {
			if !found {
				return nil, cache.ErrSkipUpdate
			}
			for _, m := range old {
				if m.ID == stored.ID {
					return nil, cache.ErrSkipUpdate
				}
			}
			return insertBySeq(old, stored), nil
		})
	if err != nil {
		// Update already dropped the key; the next Load reads the log.
		s.logger.Warn("history cache update failed",
			zap.String("session", sessionID), zap.Error(err))
	}
	return stored, nil
}

// insertBySeq keeps msgs ordered when appends land out of order.
func insertBySeq(msgs []model.ChatMessage, m model.ChatMessage) []model.ChatMessage {
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq > m.Seq })
	msgs = append(msgs, model.ChatMessage{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

// Compact summarizes the oldest messages of a session once it exceeds the
// threshold. The summary replaces those messages as a system message that
// sorts first. Below threshold, on summarizer failure, or when another
// compaction already replaced the same messages, it does nothing.
func (s *ShortTerm) Compact(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSession
	}
	n, err := s.log.CountMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if n <= s.cfg.CompactThreshold {
		return nil
	}

	msgs, err := s.log.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	victims := msgs[:compactCount(len(msgs), s.cfg.CompactThreshold)]
	if len(victims) == 0 {
		return nil
	}

	summary, err := s.summarizer.Summarize(ctx, "", victims)
	if err != nil {
		s.metrics.Compaction("summarizer_error")
		s.logger.Warn("compaction skipped, summarizer failed",
			zap.String("session", sessionID), zap.Error(err))
		return nil
	}

	ids := make([]string, len(victims))
	for i, m := range victims {
		ids[i] = m.ID
	}
	stored, err := s.log.ReplaceMessages(ctx, sessionID, ids,
		model.ChatMessage{Role: model.RoleSystem, Content: summary})
	if errors.Is(err, store.ErrConflict) {
		s.metrics.Compaction("conflict")
		s.logger.Info("compaction lost race, skipping", zap.String("session", sessionID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("replace messages: %w", err)
	}

	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		removed[id] = true
	}
	err = cache.Update(ctx, s.cache, historyKey(sessionID), s.cfg.TTL,
		func(old []model.ChatMessage, found bool) ([]model.ChatMessage, error) {
			if !found {
				return nil, cache.ErrSkipUpdate
			}
			kept := make([]model.ChatMessage, 0, len(old)-len(removed)+1)
			for _, m := range old {
				if !removed[m.ID] {
					kept = append(kept, m)
				}
			}
			return insertBySeq(kept, stored), nil
		})
	if err != nil {
		s.logger.Warn("history cache update after compaction failed",
			zap.String("session", sessionID), zap.Error(err))
	}

	s.metrics.Compaction("compacted")
	s.logger.Info("session compacted",
		zap.String("session", sessionID),
		zap.Int("summarized", len(victims)),
		zap.Int("remaining", n-len(victims)+1))
	return nil
}

// compactCount is how many of the oldest n messages one compaction folds
// into the summary: at least half, and enough that the session ends at or
// below threshold so a repeat call does nothing.
func compactCount(n, threshold int) int {
	if n <= threshold {
		return 0
	}
	return max(n/2, n-threshold+1)
}

// Clear deletes the session transcript and its cache entry.
func (s *ShortTerm) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSession
	}
	if err := s.log.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return s.cache.Remove(ctx, historyKey(sessionID))
}

// Tier adapts the short-term window to the Tier interface.
func (s *ShortTerm) Tier() Tier { return shortTermTier{s} }

type shortTermTier struct{ s *ShortTerm }

func (t shortTermTier) Name() string { return "short_term" }

func (t shortTermTier) Load(ctx context.Context, sc Scope) (model.MemoryContext, error) {
	budget := t.s.cfg.Budget
	if budget <= 0 {
		budget = tokens.Unlimited
	}
	msgs, err := t.s.Load(ctx, sc.SessionID, budget)
	if err != nil {
		return model.MemoryContext{}, err
	}
	return model.MemoryContext{HistoryMessages: msgs}, nil
}

func (t shortTermTier) Save(ctx context.Context, sc Scope, u model.MemoryUpdate) error {
	if !u.HasMessage() {
		return nil
	}
	if _, err := t.s.Append(ctx, sc.SessionID, *u.NewMessage); err != nil {
		return err
	}
	return t.s.Compact(ctx, sc.SessionID)
}

func (t shortTermTier) Clear(ctx context.Context, sc Scope) error {
	return t.s.Clear(ctx, sc.SessionID)
}
