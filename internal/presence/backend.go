package presence

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend stores each user's last-seen time. Implementations must make every
// method atomic per key so several processes can share one backend.
type Backend interface {
	Touch(ctx context.Context, userID string, at time.Time) error
	Remove(ctx context.Context, userID string) error
	// ActiveSince lists users last seen at or after cutoff.
	ActiveSince(ctx context.Context, cutoff time.Time) ([]string, error)
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
	// Prune deletes entries last seen before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryBackend keeps presence in a process-local map.
type MemoryBackend struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{lastSeen: make(map[string]time.Time)}
}

func (b *MemoryBackend) Touch(_ context.Context, userID string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen[userID] = at
	return nil
}

func (b *MemoryBackend) Remove(_ context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lastSeen, userID)
	return nil
}

func (b *MemoryBackend) ActiveSince(_ context.Context, cutoff time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for id, seen := range b.lastSeen {
		if !seen.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (b *MemoryBackend) LastSeen(_ context.Context, userID string) (time.Time, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen, ok := b.lastSeen[userID]
	return seen, ok, nil
}

func (b *MemoryBackend) Prune(_ context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, seen := range b.lastSeen {
		if seen.Before(cutoff) {
			delete(b.lastSeen, id)
			removed++
		}
	}
	return removed, nil
}

// DefaultRedisKey is the sorted set holding last-seen times.
const DefaultRedisKey = "presence:lastseen"

// RedisBackend keeps presence in a sorted set scored by unix milliseconds.
// Every operation is a single redis command.
type RedisBackend struct {
	client redis.UniversalClient
	key    string
}

func NewRedisBackend(client redis.UniversalClient, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (b *RedisBackend) Touch(ctx context.Context, userID string, at time.Time) error {
	return b.client.ZAdd(ctx, b.key, redis.Z{Score: score(at), Member: userID}).Err()
}

func (b *RedisBackend) Remove(ctx context.Context, userID string) error {
	return b.client.ZRem(ctx, b.key, userID).Err()
}

func (b *RedisBackend) ActiveSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	return b.client.ZRangeByScore(ctx, b.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
}

func (b *RedisBackend) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	ms, err := b.client.ZScore(ctx, b.key, userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(ms)).UTC(), true, nil
}

func (b *RedisBackend) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := b.client.ZRemRangeByScore(ctx, b.key, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
	return int(n), err
}

func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}
