package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

var testTTL = TTL{Local: time.Minute, Distributed: time.Hour}

func newTestFacade(t *testing.T, dist Distributed) *Facade {
	t.Helper()
	f, err := New(LocalConfig{MaxCostBytes: 1 << 20, NumCounters: 1e4}, dist, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(f.Close)
	return f
}

func TestGetOrCreateCachesFactoryResult(t *testing.T) {
	f := newTestFacade(t, NewMemory())
	ctx := context.Background()

	var calls int
	factory := func(context.Context) ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}

	for i := 0; i < 3; i++ {
		got, err := GetOrCreate(ctx, f, "k", testTTL, factory)
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
		if len(got) != 2 || got[0] != "a" {
			t.Fatalf("unexpected value %v", got)
		}
	}
	if calls != 1 {
		t.Errorf("factory called %d times, want 1", calls)
	}
}

func TestGetOrCreateFactoryError(t *testing.T) {
	f := newTestFacade(t, NewMemory())
	boom := errors.New("boom")
	_, err := GetOrCreate(context.Background(), f, "k", testTTL, func(context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if _, ok, _ := Get[int](context.Background(), f, "k", testTTL); ok {
		t.Fatal("failed factory result must not be cached")
	}
}

func TestGetOrCreateSingleflight(t *testing.T) {
	f := newTestFacade(t, NewMemory())
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	factory := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetOrCreate(ctx, f, "shared", testTTL, factory)
			if err != nil || v != 42 {
				t.Errorf("got %d, %v", v, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("factory called %d times, want 1", n)
	}
}

func TestUpdateReadYourWrites(t *testing.T) {
	f := newTestFacade(t, NewMemory())
	ctx := context.Background()

	_, err := GetOrCreate(ctx, f, "list", testTTL, func(context.Context) ([]int, error) {
		return []int{1}, nil
	})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	f.local.Wait()

	err = Update(ctx, f, "list", testTTL, func(old []int, found bool) ([]int, error) {
		if !found {
			return nil, ErrSkipUpdate
		}
		return append(old, 2), nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := GetOrCreate(ctx, f, "list", testTTL, func(context.Context) ([]int, error) {
		t.Fatal("factory must not run after an in-place update")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if len(got) != 2 || got[1] != 2 {
		t.Fatalf("got %v, want [1 2]", got)
	}
}

func TestGetOrCreateCancelledCallerDoesNotFailOthers(t *testing.T) {
	f := newTestFacade(t, NewMemory())

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	factory := func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return 42, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := GetOrCreate(first, f, "k", testTTL, factory)
		firstErr <- err
	}()
	<-started

	type result struct {
		v   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, err := GetOrCreate(context.Background(), f, "k", testTTL, factory)
		second <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}
	close(release)
	res := <-second
	if res.err != nil || res.v != 42 {
		t.Fatalf("waiting caller got %d, %v; want 42", res.v, res.err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("factory called %d times, want 1", n)
	}
}

func TestFillRacingWriteOnAnotherNodeIsNotStored(t *testing.T) {
	dist := NewMemory()
	nodeA := newTestFacade(t, dist)
	nodeB := newTestFacade(t, dist)
	ctx := context.Background()

	loaded := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := GetOrCreate(ctx, nodeA, "list", testTTL, func(context.Context) ([]int, error) {
			close(loaded)
			<-release
			return []int{1}, nil
		})
		done <- err
	}()
	<-loaded

	// The source now holds [1 2]; the key is absent so the update skips.
	err := Update(ctx, nodeB, "list", testTTL, func(old []int, found bool) ([]int, error) {
		if !found {
			return nil, ErrSkipUpdate
		}
		return append(old, 2), nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, ok, _ := dist.Get(ctx, "list"); ok {
		t.Fatal("load that raced a write on another node was cached")
	}
	got, err := GetOrCreate(ctx, nodeB, "list", testTTL, func(context.Context) ([]int, error) {
		return []int{1, 2}, nil
	})
	if err != nil || len(got) != 2 {
		t.Fatalf("got %v, %v; want [1 2]", got, err)
	}
}

func TestConcurrentUpdatesAcrossNodes(t *testing.T) {
	dist := NewMemory()
	nodes := []*Facade{newTestFacade(t, dist), newTestFacade(t, dist)}
	ctx := context.Background()

	if _, err := GetOrCreate(ctx, nodes[0], "list", testTTL, func(context.Context) ([]int, error) {
		return []int{}, nil
	}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	const perNode = 15
	var wg sync.WaitGroup
	for n, f := range nodes {
		for i := 0; i < perNode; i++ {
			wg.Add(1)
			go func(v int) {
				defer wg.Done()
				err := Update(ctx, f, "list", testTTL, func(old []int, found bool) ([]int, error) {
					if !found {
						return nil, ErrSkipUpdate
					}
					return append(old, v), nil
				})
				if err != nil {
					t.Errorf("Update: %v", err)
				}
			}(n*perNode + i)
		}
	}
	wg.Wait()

	for i, f := range nodes {
		f.local.Wait()
		got, ok, err := Get[[]int](ctx, f, "list", testTTL)
		if err != nil || !ok {
			t.Fatalf("node %d: found=%v err=%v", i, ok, err)
		}
		if len(got) != 2*perNode {
			t.Errorf("node %d sees %d values, want %d", i, len(got), 2*perNode)
		}
	}
}

func TestMemoryDistributedVersions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, _, v0, _ := m.GetVersioned(ctx, "k")
	err := m.Update(ctx, "k", time.Minute, func([]byte, bool) ([]byte, error) { return nil, ErrSkipUpdate })
	if !errors.Is(err, ErrSkipUpdate) {
		t.Fatalf("got %v, want ErrSkipUpdate", err)
	}
	if ok, _ := m.SetIfVersion(ctx, "k", []byte("stale"), time.Minute, v0); ok {
		t.Fatal("store succeeded after a skipped update advanced the version")
	}

	_, _, v1, _ := m.GetVersioned(ctx, "k")
	if ok, _ := m.SetIfVersion(ctx, "k", []byte("fresh"), time.Minute, v1); !ok {
		t.Fatal("store at the current version failed")
	}
	val, found, v2, _ := m.GetVersioned(ctx, "k")
	if !found || string(val) != "fresh" || v2 != v1 {
		t.Fatalf("got %q found=%v version %d, want fresh at %d", val, found, v2, v1)
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, _, v3, _ := m.GetVersioned(ctx, "k"); v3 == v2 {
		t.Error("delete did not advance the version")
	}
}

func TestUpdateSkipLeavesAbsentKeyAbsent(t *testing.T) {
	dist := NewMemory()
	f := newTestFacade(t, dist)
	ctx := context.Background()

	err := Update(ctx, f, "missing", testTTL, func(old []int, found bool) ([]int, error) {
		if !found {
			return nil, ErrSkipUpdate
		}
		return append(old, 1), nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, ok, _ := dist.Get(ctx, "missing"); ok {
		t.Fatal("skipped update must not create the key")
	}
}

func TestUpdateFailureInvalidates(t *testing.T) {
	dist := NewMemory()
	f := newTestFacade(t, dist)
	ctx := context.Background()

	if err := Set(ctx, f, "k", 1, testTTL); err != nil {
		t.Fatalf("Set: %v", err)
	}
	boom := errors.New("boom")
	err := Update(ctx, f, "k", testTTL, func(int, bool) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if _, ok, _ := dist.Get(ctx, "k"); ok {
		t.Fatal("key should be invalidated after a failed update")
	}
}

func TestSetAndRemove(t *testing.T) {
	f := newTestFacade(t, NewMemory())
	ctx := context.Background()

	if err := Set(ctx, f, "task", "v1", testTTL); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set(ctx, f, "task", "v2", testTTL); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := Get[string](ctx, f, "task", testTTL)
	if err != nil || !ok || got != "v2" {
		t.Fatalf("Get: %q %v %v, want v2", got, ok, err)
	}

	if err := f.Remove(ctx, "task"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := Get[string](ctx, f, "task", testTTL); ok {
		t.Fatal("key still present after Remove")
	}
}

func TestStaleFillIsDiscarded(t *testing.T) {
	f := newTestFacade(t, NewMemory())
	ctx := context.Background()

	_, err := GetOrCreate(ctx, f, "k", testTTL, func(ctx context.Context) (string, error) {
		// A writer invalidates the key while the source is being read.
		if err := f.Remove(ctx, "k"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		return "stale", nil
	})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	f.local.Wait()

	if _, ok, _ := Get[string](ctx, f, "k", testTTL); ok {
		t.Fatal("fill that raced an invalidation must not be cached")
	}
}

type failingDistributed struct{ MemoryDistributed }

func (*failingDistributed) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (*failingDistributed) GetVersioned(context.Context, string) ([]byte, bool, uint64, error) {
	return nil, false, 0, errors.New("connection refused")
}

func (*failingDistributed) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func TestDistributedFailureFallsBackToFactory(t *testing.T) {
	f := newTestFacade(t, &failingDistributed{})
	got, err := GetOrCreate(context.Background(), f, "k", testTTL, func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestMemoryDistributedExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("expected hit before expiry")
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected miss after expiry")
	}
}
