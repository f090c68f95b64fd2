package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryDistributed is an in-process Distributed for single-node deployments and tests.
type MemoryDistributed struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	versions map[string]uint64
	now      func() time.Time
}

type memoryEntry struct {
	val     []byte
	expires time.Time // zero means no expiry
}

// NewMemory returns an empty in-process distributed level.
func NewMemory() *MemoryDistributed {
	return &MemoryDistributed{
		entries:  make(map[string]memoryEntry),
		versions: make(map[string]uint64),
		now:      time.Now,
	}
}

func (m *MemoryDistributed) lookup(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return e.val, true
}

func (m *MemoryDistributed) store(key string, val []byte, ttl time.Duration) {
	e := memoryEntry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
}

func (m *MemoryDistributed) GetVersioned(_ context.Context, key string) ([]byte, bool, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.lookup(key)
	if !ok {
		return nil, false, m.versions[key], nil
	}
	return append([]byte(nil), val...), true, m.versions[key], nil
}

func (m *MemoryDistributed) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), val...), true, nil
}

func (m *MemoryDistributed) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, val, ttl)
	m.versions[key]++
	return nil
}

func (m *MemoryDistributed) SetIfVersion(_ context.Context, key string, val []byte, ttl time.Duration, version uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[key] != version {
		return false, nil
	}
	m.store(key, val, ttl)
	return true, nil
}

func (m *MemoryDistributed) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
		m.versions[k]++
	}
	return nil
}

// Update holds the lock while fn runs; fn must not call back into m.
func (m *MemoryDistributed) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, found := m.lookup(key)
	val, err := fn(append([]byte(nil), old...), found)
	if errors.Is(err, ErrSkipUpdate) {
		m.versions[key]++
		return err
	}
	if err != nil {
		return err
	}
	m.store(key, val, ttl)
	m.versions[key]++
	return nil
}
