// Package memory implements the tiered conversation memory: a short-term
// sliding window, long-term structured memory with summaries, and vector
// recall, composed into one context per turn.
package memory

import (
	"context"
	"errors"

	"github.com/nidhogg/nuka-memory/internal/model"
)

var (
	ErrInvalidSession = errors.New("memory: invalid session id")
	ErrInvalidUser    = errors.New("memory: user id is required")
	ErrNegativeBudget = errors.New("memory: negative token budget")
	ErrNotInitialized = errors.New("memory: session not initialized")
)

// Scope identifies whose memory a tier operation touches.
type Scope struct {
	SessionID string
	UserID    string
}

func (s Scope) validate() error {
	if s.SessionID == "" {
		return ErrInvalidSession
	}
	return nil
}

// Tier is one memory layer. Load returns only the fields the tier owns;
// Save ignores update fields the tier does not use.
type Tier interface {
	Name() string
	Load(ctx context.Context, s Scope) (model.MemoryContext, error)
	Save(ctx context.Context, s Scope, u model.MemoryUpdate) error
	Clear(ctx context.Context, s Scope) error
}
