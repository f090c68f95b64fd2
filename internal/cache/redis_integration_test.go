//go:build integration

package cache

import (
	"context"
	"errors"
	"sync"
	"testing"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startRedis(t *testing.T) *RedisDistributed {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	rd, err := NewRedis(ctx, "redis://"+endpoint, zap.NewNop())
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { rd.Close() })
	return rd
}

func TestRedisDistributed(t *testing.T) {
	rd := startRedis(t)
	ctx := context.Background()

	t.Run("get set delete", func(t *testing.T) {
		if _, found, err := rd.Get(ctx, "missing"); err != nil || found {
			t.Fatalf("missing key: found=%v err=%v", found, err)
		}
		if err := rd.Set(ctx, "k", []byte("v"), testTTL.Distributed); err != nil {
			t.Fatal(err)
		}
		val, found, err := rd.Get(ctx, "k")
		if err != nil || !found || string(val) != "v" {
			t.Fatalf("get: %q %v %v", val, found, err)
		}
		if ttl := rd.Client().TTL(ctx, keyPrefix+"k").Val(); ttl <= 0 {
			t.Errorf("expected ttl on key, got %v", ttl)
		}
		if err := rd.Delete(ctx, "k"); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := rd.Get(ctx, "k"); found {
			t.Error("key survived delete")
		}
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		f := newTestFacade(t, rd)
		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := Update(ctx, f, "counter", testTTL, func(old int, _ bool) (int, error) {
					return old + 1, nil
				})
				if err != nil {
					t.Errorf("update: %v", err)
				}
			}()
		}
		wg.Wait()

		got, found, err := Get[int](ctx, f, "counter", testTTL)
		if err != nil || !found || got != writers {
			t.Fatalf("counter = %d (found=%v err=%v), want %d", got, found, err, writers)
		}
	})

	t.Run("fill racing a write on another node is not stored", func(t *testing.T) {
		nodeA, nodeB := newTestFacade(t, rd), newTestFacade(t, rd)
		loaded := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			_, err := GetOrCreate(ctx, nodeA, "raced", testTTL, func(context.Context) ([]int, error) {
				close(loaded)
				<-release
				return []int{1}, nil
			})
			done <- err
		}()
		<-loaded
		err := Update(ctx, nodeB, "raced", testTTL, func(old []int, found bool) ([]int, error) {
			if !found {
				return nil, ErrSkipUpdate
			}
			return append(old, 2), nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		close(release)
		if err := <-done; err != nil {
			t.Fatalf("get or create: %v", err)
		}
		if _, found, _ := rd.Get(ctx, "raced"); found {
			t.Error("stale load was cached")
		}
	})

	t.Run("versions advance on every write", func(t *testing.T) {
		_, _, v0, err := rd.GetVersioned(ctx, "ver")
		if err != nil {
			t.Fatal(err)
		}
		if ok, err := rd.SetIfVersion(ctx, "ver", []byte("a"), testTTL.Distributed, v0); err != nil || !ok {
			t.Fatalf("store at current version: ok=%v err=%v", ok, err)
		}
		if err := rd.Set(ctx, "ver", []byte("b"), testTTL.Distributed); err != nil {
			t.Fatal(err)
		}
		if ok, _ := rd.SetIfVersion(ctx, "ver", []byte("stale"), testTTL.Distributed, v0); ok {
			t.Error("store succeeded after Set advanced the version")
		}
		val, found, _, err := rd.GetVersioned(ctx, "ver")
		if err != nil || !found || string(val) != "b" {
			t.Errorf("got %q found=%v err=%v, want b", val, found, err)
		}
	})

	t.Run("skip update leaves key absent", func(t *testing.T) {
		err := rd.Update(ctx, "absent", testTTL.Distributed, func(old []byte, found bool) ([]byte, error) {
			return nil, ErrSkipUpdate
		})
		if err != nil && !errors.Is(err, ErrSkipUpdate) {
			t.Fatalf("update: %v", err)
		}
		if _, found, _ := rd.Get(ctx, "absent"); found {
			t.Error("skipped update wrote a value")
		}
	})
}
