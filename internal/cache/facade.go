// Package cache is the two-level cache in front of the durable stores:
// an in-process ristretto level and a shared distributed level.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nidhogg/nuka-memory/internal/observability"
)

// TTL holds per-level expirations for one key family.
type TTL struct {
	Local       time.Duration
	Distributed time.Duration
}

// LocalConfig sizes the in-process level.
type LocalConfig struct {
	MaxCostBytes int64
	NumCounters  int64
}

const generationStripes = 1024

// Facade coordinates the local and distributed levels.
//
// Values are stored JSON-encoded at both levels. Writers never write the
// local level; they invalidate it and bump the key's generation, and a fill
// started before an invalidation is discarded rather than stored. Writers
// in other processes are detected through the distributed write version.
// Another process's local level may serve a value up to its local TTL old.
type Facade struct {
	local   *ristretto.Cache
	dist    Distributed
	logger  *zap.Logger
	metrics *observability.Metrics

	group singleflight.Group
	gens  [generationStripes]atomic.Uint64
}

// New builds a Facade over dist.
func New(cfg LocalConfig, dist Distributed, logger *zap.Logger, metrics *observability.Metrics) (*Facade, error) {
	if cfg.MaxCostBytes <= 0 {
		cfg.MaxCostBytes = 64 << 20
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 1e6
	}
	local, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create local cache: %w", err)
	}
	if dist == nil {
		dist = NewMemory()
	}
	return &Facade{local: local, dist: dist, logger: logger, metrics: metrics}, nil
}

// Close releases the local level.
func (f *Facade) Close() { f.local.Close() }

func (f *Facade) stripe(key string) *atomic.Uint64 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &f.gens[h.Sum32()%generationStripes]
}

func (f *Facade) invalidateLocal(key string) {
	f.stripe(key).Add(1)
	f.local.Del(key)
}

// localEntry remembers the generation a local value was filled at.
type localEntry struct {
	val []byte
	gen uint64
}

// fillLocal stores val unless key was invalidated since gen was read.
func (f *Facade) fillLocal(key string, val []byte, gen uint64, ttl time.Duration) {
	if ttl <= 0 || f.stripe(key).Load() != gen {
		return
	}
	f.local.SetWithTTL(key, localEntry{val: val, gen: gen}, int64(len(val)), ttl)
}

// getLocal treats an entry filled before the latest invalidation as a
// miss; ristretto applies writes asynchronously, so a Del can land before
// the buffered Set it was meant to cancel.
func (f *Facade) getLocal(key string) ([]byte, bool) {
	v, ok := f.local.Get(key)
	if ok {
		if e := v.(localEntry); e.gen == f.stripe(key).Load() {
			f.metrics.CacheLookup("local", true)
			return e.val, true
		}
	}
	f.metrics.CacheLookup("local", false)
	return nil, false
}

// getRaw reads through both levels without a factory.
func (f *Facade) getRaw(ctx context.Context, key string, ttl TTL) ([]byte, bool, error) {
	if val, ok := f.getLocal(key); ok {
		return val, true, nil
	}
	gen := f.stripe(key).Load()
	val, ok, err := f.dist.Get(ctx, key)
	if err != nil {
		f.metrics.CacheError("distributed")
		return nil, false, err
	}
	f.metrics.CacheLookup("distributed", ok)
	if ok {
		f.fillLocal(key, val, gen, ttl.Local)
	}
	return val, ok, nil
}

// fillTimeout bounds a shared load once it is detached from the caller
// that started it.
const fillTimeout = 30 * time.Second

// getOrCreateRaw is the byte-level read-through used by GetOrCreate.
// The shared load runs detached from any single caller, so one caller
// giving up does not fail the others waiting on it.
func (f *Facade) getOrCreateRaw(ctx context.Context, key string, ttl TTL, factory func(context.Context) ([]byte, error)) ([]byte, error) {
	if val, ok := f.getLocal(key); ok {
		return val, nil
	}

	ch := f.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()
		return f.fill(fctx, key, ttl, factory)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fill reads the distributed level and falls back to factory. The result
// is stored only if no writer touched the key while factory ran, in this
// process (generation) or any other (write version).
func (f *Facade) fill(ctx context.Context, key string, ttl TTL, factory func(context.Context) ([]byte, error)) ([]byte, error) {
	gen := f.stripe(key).Load()

	val, ok, version, err := f.dist.GetVersioned(ctx, key)
	distErr := err
	switch {
	case err != nil:
		f.metrics.CacheError("distributed")
		f.logger.Warn("distributed cache read failed, loading from source",
			zap.String("key", key), zap.Error(err))
	case ok:
		f.metrics.CacheLookup("distributed", true)
		f.fillLocal(key, val, gen, ttl.Local)
		return val, nil
	default:
		f.metrics.CacheLookup("distributed", false)
	}

	val, err = factory(ctx)
	if err != nil {
		return nil, err
	}
	if distErr != nil || f.stripe(key).Load() != gen {
		return val, nil
	}
	stored, err := f.dist.SetIfVersion(ctx, key, val, ttl.Distributed, version)
	if err != nil {
		f.logger.Warn("distributed cache write failed", zap.String("key", key), zap.Error(err))
		return val, nil
	}
	if !stored {
		f.logger.Debug("key written while loading, result not cached", zap.String("key", key))
		return val, nil
	}
	f.fillLocal(key, val, gen, ttl.Local)
	return val, nil
}

func (f *Facade) setRaw(ctx context.Context, key string, val []byte, ttl TTL) error {
	f.invalidateLocal(key)
	err := f.dist.Set(ctx, key, val, ttl.Distributed)
	f.invalidateLocal(key)
	return err
}

func (f *Facade) updateRaw(ctx context.Context, key string, ttl TTL, fn UpdateFunc) error {
	f.invalidateLocal(key)
	err := f.dist.Update(ctx, key, ttl.Distributed, fn)
	f.invalidateLocal(key)
	if errors.Is(err, ErrSkipUpdate) {
		return nil
	}
	if err != nil {
		// The cached value can no longer be trusted.
		if derr := f.dist.Delete(ctx, key); derr != nil {
			f.logger.Warn("cache invalidation after failed update failed",
				zap.String("key", key), zap.Error(derr))
		}
		return err
	}
	return nil
}

// Remove deletes keys from both levels.
func (f *Facade) Remove(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		f.invalidateLocal(k)
	}
	err := f.dist.Delete(ctx, keys...)
	for _, k := range keys {
		f.invalidateLocal(k)
	}
	return err
}

// GetOrCreate returns the cached value for key, calling factory on a miss
// at both levels. Concurrent misses for one key share a single factory call.
// When the distributed level is unavailable the factory result is returned uncached.
func GetOrCreate[T any](ctx context.Context, f *Facade, key string, ttl TTL, factory func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := f.getOrCreateRaw(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return out, nil
}

// Get reads key without loading it on a miss.
func Get[T any](ctx context.Context, f *Facade, key string, ttl TTL) (T, bool, error) {
	var zero T
	raw, ok, err := f.getRaw(ctx, key, ttl)
	if err != nil || !ok {
		return zero, false, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return out, true, nil
}

// Set overwrites key (last writer wins).
func Set[T any](ctx context.Context, f *Facade, key string, val T, ttl TTL) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return f.setRaw(ctx, key, raw, ttl)
}

// Update does an optimistic read-modify-write of key at the distributed level.
// fn may return ErrSkipUpdate to leave the key as is. On any other failure
// the key is invalidated so readers fall back to the source.
func Update[T any](ctx context.Context, f *Facade, key string, ttl TTL, fn func(old T, found bool) (T, error)) error {
	return f.updateRaw(ctx, key, ttl, func(oldRaw []byte, found bool) ([]byte, error) {
		var old T
		if found {
			if err := json.Unmarshal(oldRaw, &old); err != nil {
				return nil, fmt.Errorf("decode cached %s: %w", key, err)
			}
		}
		next, err := fn(old, found)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	})
}
