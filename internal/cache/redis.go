package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "nukamem:"

// maxUpdateAttempts bounds WATCH/MULTI retries for one Update.
const maxUpdateAttempts = 10

// versionTTL keeps a key's write version alive well past any in-flight fill.
const versionTTL = 24 * time.Hour

func versionKey(full string) string { return full + ":v" }

// RedisDistributed is the Redis-backed distributed level.
type RedisDistributed struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisDistributed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisDistributed{rdb: rdb, logger: logger}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client, logger *zap.Logger) *RedisDistributed {
	return &RedisDistributed{rdb: rdb, logger: logger}
}

// Client exposes the underlying client so other Redis-backed components share the pool.
func (r *RedisDistributed) Client() *redis.Client { return r.rdb }

// Close closes the connection pool.
func (r *RedisDistributed) Close() error { return r.rdb.Close() }

func (r *RedisDistributed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// GetVersioned reads the value and its write version in one transaction.
func (r *RedisDistributed) GetVersioned(ctx context.Context, key string) ([]byte, bool, uint64, error) {
	full := keyPrefix + key
	var valCmd, verCmd *redis.StringCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		valCmd = pipe.Get(ctx, full)
		verCmd = pipe.Get(ctx, versionKey(full))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	version, err := verCmd.Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, 0, fmt.Errorf("redis get %s version: %w", key, err)
	}
	val, err := valCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, version, nil
	}
	if err != nil {
		return nil, false, 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, version, nil
}

// bumpVersion queues the write-version increment for full on pipe.
func bumpVersion(ctx context.Context, pipe redis.Pipeliner, full string) {
	pipe.Incr(ctx, versionKey(full))
	pipe.Expire(ctx, versionKey(full), versionTTL)
}

func (r *RedisDistributed) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	full := keyPrefix + key
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, full, val, ttl)
		bumpVersion(ctx, pipe, full)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetIfVersion watches the version key so a writer landing between the
// check and the EXEC aborts the store.
func (r *RedisDistributed) SetIfVersion(ctx context.Context, key string, val []byte, ttl time.Duration, version uint64) (bool, error) {
	full := keyPrefix + key
	stored := false
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, versionKey(full)).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, val, ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, versionKey(full))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis set %s: %w", key, err)
	}
	return stored, nil
}

func (r *RedisDistributed) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, full...)
		for _, k := range full {
			bumpVersion(ctx, pipe, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Update runs fn inside WATCH/MULTI and retries when another writer
// touched the key between the read and the EXEC. A skipped update still
// advances the version in the same transaction, so it either lands before
// a concurrent fill (which then is not stored) or retries and sees the fill.
func (r *RedisDistributed) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	full := keyPrefix + key
	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, full).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			found = false
		} else if err != nil {
			return err
		}

		val, err := fn(old, found)
		skip := errors.Is(err, ErrSkipUpdate)
		if err != nil && !skip {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !skip {
				pipe.Set(ctx, full, val, ttl)
			}
			bumpVersion(ctx, pipe, full)
			return nil
		})
		if err == nil && skip {
			return ErrSkipUpdate
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := r.rdb.Watch(ctx, txf, full)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			r.logger.Debug("cache update conflict, retrying",
				zap.String("key", key), zap.Int("attempt", attempt+1))
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrConflict, key)
}
