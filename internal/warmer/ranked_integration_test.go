//go:build integration

package warmer

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisRankedSetMatchesMemory(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })
	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	sets := map[string]RankedSet{
		"redis":  NewRedisRankedSet(rdb),
		"memory": NewMemoryRankedSet(),
	}
	for name, s := range sets {
		t.Run(name, func(t *testing.T) {
			for member, n := range map[string]int{"a": 4, "b": 1, "c": 3, "d": 2} {
				for i := 0; i < n; i++ {
					if err := s.Increment(ctx, "freq", member, 1); err != nil {
						t.Fatal(err)
					}
				}
			}
			if err := s.TrimBelowRank(ctx, "freq", 3); err != nil {
				t.Fatal(err)
			}
			top, err := s.TopByScore(ctx, "freq", 10)
			if err != nil {
				t.Fatal(err)
			}
			want := []string{"a", "c", "d"}
			if len(top) != len(want) {
				t.Fatalf("got %+v, want %v", top, want)
			}
			for i, w := range want {
				if top[i].Value != w {
					t.Errorf("rank %d = %s, want %s", i, top[i].Value, w)
				}
			}
		})
	}
}
