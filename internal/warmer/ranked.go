package warmer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Member is one scored entry of a ranked set.
type Member struct {
	Value string
	Score float64
}

// RankedSet is a scored set ordered by score, such as a Redis sorted set.
type RankedSet interface {
	// Increment adds delta to member's score, creating it at delta.
	Increment(ctx context.Context, key, member string, delta float64) error
	// TopByScore returns up to n members, highest score first.
	TopByScore(ctx context.Context, key string, n int) ([]Member, error)
	// TrimBelowRank keeps the keep highest-scoring members and drops the rest.
	TrimBelowRank(ctx context.Context, key string, keep int) error
}

const redisKeyPrefix = "nukamem:"

// RedisRankedSet stores ranked sets as Redis sorted sets.
type RedisRankedSet struct {
	rdb *redis.Client
}

// NewRedisRankedSet shares rdb, usually the cache's client.
func NewRedisRankedSet(rdb *redis.Client) *RedisRankedSet {
	return &RedisRankedSet{rdb: rdb}
}

func (r *RedisRankedSet) Increment(ctx context.Context, key, member string, delta float64) error {
	if err := r.rdb.ZIncrBy(ctx, redisKeyPrefix+key, delta, member).Err(); err != nil {
		return fmt.Errorf("zincrby %s: %w", key, err)
	}
	return nil
}

func (r *RedisRankedSet) TopByScore(ctx context.Context, key string, n int) ([]Member, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := r.rdb.ZRevRangeWithScores(ctx, redisKeyPrefix+key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange %s: %w", key, err)
	}
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		s, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, Member{Value: s, Score: z.Score})
	}
	return out, nil
}

func (r *RedisRankedSet) TrimBelowRank(ctx context.Context, key string, keep int) error {
	// Ranks are ascending, so the lowest scores sit at 0 .. -(keep+1).
	if err := r.rdb.ZRemRangeByRank(ctx, redisKeyPrefix+key, 0, int64(-(keep + 1))).Err(); err != nil {
		return fmt.Errorf("zremrangebyrank %s: %w", key, err)
	}
	return nil
}

// MemoryRankedSet is an in-process RankedSet for single-node deployments and tests.
// Ties are broken the way Redis breaks them in reverse range: larger member first.
type MemoryRankedSet struct {
	mu   sync.Mutex
	sets map[string]map[string]float64
}

func NewMemoryRankedSet() *MemoryRankedSet {
	return &MemoryRankedSet{sets: make(map[string]map[string]float64)}
}

func (m *MemoryRankedSet) Increment(_ context.Context, key, member string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]float64)
		m.sets[key] = set
	}
	set[member] += delta
	return nil
}

func (m *MemoryRankedSet) sorted(key string) []Member {
	set := m.sets[key]
	out := make([]Member, 0, len(set))
	for v, s := range set {
		out = append(out, Member{Value: v, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Value > out[j].Value
	})
	return out
}

func (m *MemoryRankedSet) TopByScore(_ context.Context, key string, n int) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(key)
	if n < len(all) {
		all = all[:max(n, 0)]
	}
	return all, nil
}

func (m *MemoryRankedSet) TrimBelowRank(_ context.Context, key string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(key)
	if keep < 0 {
		keep = 0
	}
	for _, mem := range all[min(keep, len(all)):] {
		delete(m.sets[key], mem.Value)
	}
	return nil
}

var (
	_ RankedSet = (*RedisRankedSet)(nil)
	_ RankedSet = (*MemoryRankedSet)(nil)
)
