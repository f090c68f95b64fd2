package memory

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/observability"
)

// PlaceholderHistory is the synthetic message returned when no history
// could be loaded.
const PlaceholderHistory = "Recent conversation history is unavailable. " +
	"Partial history was recovered from the long-term snapshot."

// Composer merges the tiers into one MemoryContext. It is itself a Tier.
type Composer struct {
	tiers   []Tier
	logger  *zap.Logger
	tracer  *observability.Tracer
	metrics *observability.Metrics
}

// NewComposer composes tiers. Save and Clear visit them in this order.
func NewComposer(logger *zap.Logger, tracer *observability.Tracer, metrics *observability.Metrics, tiers ...Tier) *Composer {
	return &Composer{tiers: tiers, logger: logger, tracer: tracer, metrics: metrics}
}

func (c *Composer) Name() string { return "hybrid" }

// Load reads every tier concurrently. A failing tier contributes nothing.
func (c *Composer) Load(ctx context.Context, sc Scope) (model.MemoryContext, error) {
	if err := sc.validate(); err != nil {
		return model.MemoryContext{}, err
	}
	ctx, span := c.tracer.Start(ctx, "memory.Load", attribute.String("session.id", sc.SessionID))
	defer span.End()

	parts := make([]model.MemoryContext, len(c.tiers))
	var g errgroup.Group
	for i, t := range c.tiers {
		g.Go(func() error {
			mc, err := t.Load(ctx, sc)
			if err != nil {
				c.metrics.TierFailure(t.Name(), "load")
				c.logger.Warn("memory tier load failed",
					zap.String("tier", t.Name()),
					zap.String("session", sc.SessionID),
					zap.Error(err))
				return nil
			}
			parts[i] = mc
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		observability.RecordError(span, err)
		return model.MemoryContext{}, err
	}

	out := merge(parts)
	if len(out.HistoryMessages) == 0 {
		out.HistoryMessages = []model.ChatMessage{{Role: model.RoleSystem, Content: PlaceholderHistory}}
	}
	span.SetAttributes(
		attribute.Int("memory.history", len(out.HistoryMessages)),
		attribute.Int("memory.snippets", len(out.KnowledgeSnippets)),
	)
	return out, nil
}

// merge takes history and summary from the first tier that has them and
// concatenates snippets without duplicates.
func merge(parts []model.MemoryContext) model.MemoryContext {
	var out model.MemoryContext
	seen := make(map[string]bool)
	for _, p := range parts {
		if out.HistoryMessages == nil && len(p.HistoryMessages) > 0 {
			out.HistoryMessages = p.HistoryMessages
		}
		if out.Summary == "" {
			out.Summary = p.Summary
		}
		for _, s := range p.KnowledgeSnippets {
			if !seen[s] {
				seen[s] = true
				out.KnowledgeSnippets = append(out.KnowledgeSnippets, s)
			}
		}
	}
	return out
}

// Save hands u to every tier in order. All tiers run; their errors are joined.
func (c *Composer) Save(ctx context.Context, sc Scope, u model.MemoryUpdate) error {
	if err := sc.validate(); err != nil {
		return err
	}
	var errs []error
	for _, t := range c.tiers {
		if err := t.Save(ctx, sc, u); err != nil {
			c.metrics.TierFailure(t.Name(), "save")
			c.logger.Warn("memory tier save failed",
				zap.String("tier", t.Name()),
				zap.String("session", sc.SessionID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Clear resets every tier for the session.
func (c *Composer) Clear(ctx context.Context, sc Scope) error {
	if err := sc.validate(); err != nil {
		return err
	}
	var errs []error
	for _, t := range c.tiers {
		if err := t.Clear(ctx, sc); err != nil {
			c.metrics.TierFailure(t.Name(), "clear")
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	c.logger.Info("session memory cleared", zap.String("session", sc.SessionID))
	return errors.Join(errs...)
}

var _ Tier = (*Composer)(nil)

// Option configures a Session.
type Option func(*Scope)

// WithUser attributes the session to userID. By default the session id is
// used as the user id.
func WithUser(userID string) Option {
	return func(s *Scope) { s.UserID = userID }
}

// Session is a Composer bound to one conversation.
type Session struct {
	composer *Composer
	scope    Scope
	ready    bool
}

// NewSession returns an unbound session; call Initialize before use.
func (c *Composer) NewSession() *Session {
	return &Session{composer: c}
}

// Initialize binds the session to sessionID.
func (s *Session) Initialize(ctx context.Context, sessionID string, opts ...Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" {
		return ErrInvalidSession
	}
	sc := Scope{SessionID: sessionID, UserID: sessionID}
	for _, o := range opts {
		o(&sc)
	}
	s.scope = sc
	s.ready = true
	return nil
}

// Scope returns the bound scope.
func (s *Session) Scope() Scope { return s.scope }

func (s *Session) Load(ctx context.Context) (model.MemoryContext, error) {
	if !s.ready {
		return model.MemoryContext{}, ErrNotInitialized
	}
	return s.composer.Load(ctx, s.scope)
}

func (s *Session) Save(ctx context.Context, u model.MemoryUpdate) error {
	if !s.ready {
		return ErrNotInitialized
	}
	return s.composer.Save(ctx, s.scope, u)
}

func (s *Session) Clear(ctx context.Context) error {
	if !s.ready {
		return ErrNotInitialized
	}
	return s.composer.Clear(ctx, s.scope)
}
