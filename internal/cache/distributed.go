package cache

import (
	"context"
	"errors"
	"time"
)

// ErrSkipUpdate, returned by an update function, leaves the key untouched.
// An absent key stays absent.
var ErrSkipUpdate = errors.New("cache: skip update")

// ErrConflict is returned when an optimistic update kept losing races.
var ErrConflict = errors.New("cache: update conflict")

// UpdateFunc computes a new value from the current one.
// found is false when the key is absent or expired.
type UpdateFunc func(old []byte, found bool) ([]byte, error)

// Distributed is the shared cache level, visible to every process.
//
// Every key carries a write version. Set, Delete and Update advance it,
// including an Update whose function returned ErrSkipUpdate, so a reader
// that loaded from the source can store its result with SetIfVersion only
// if no writer touched the key meanwhile.
type Distributed interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// GetVersioned reads the value together with the key's write version.
	GetVersioned(ctx context.Context, key string) ([]byte, bool, uint64, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetIfVersion stores val only while the key's write version is still
	// version. It reports whether val was stored.
	SetIfVersion(ctx context.Context, key string, val []byte, ttl time.Duration, version uint64) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// Update applies fn atomically with respect to other writers of key.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}
