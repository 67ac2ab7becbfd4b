package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedPresence struct {
	mu   sync.Mutex
	rows []*types.UserPresence
	err  error
}

func (r *recordedPresence) UpsertPresence(_ context.Context, p *types.UserPresence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, p)
	return r.err
}

func newRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client, "")
}

// backends runs fn against every backend implementation.
func backends(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryBackend()) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisBackend(t)) })
}

func newTestRegistry(b Backend, clock *fakeClock, opts ...Option) *Registry {
	opts = append(opts, WithClock(clock.Now))
	return NewRegistry(b, DefaultConfig(), opts...)
}

func TestRegistry_SetOnlineThenListOnline(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		reg := newTestRegistry(b, newFakeClock())

		newly, err := reg.SetOnline(ctx, "u2")
		require.NoError(t, err)
		assert.True(t, newly)
		_, err = reg.SetOnline(ctx, "u1")
		require.NoError(t, err)

		online, err := reg.ListOnline(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u2"}, online)

		// idempotent
		newly, err = reg.SetOnline(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, newly)
		online, err = reg.ListOnline(ctx)
		require.NoError(t, err)
		assert.Len(t, online, 2)
	})
}

func TestRegistry_ExpiresWithoutHeartbeat(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		clock := newFakeClock()
		reg := newTestRegistry(b, clock)

		_, err := reg.SetOnline(ctx, "quiet")
		require.NoError(t, err)
		_, err = reg.SetOnline(ctx, "chatty")
		require.NoError(t, err)

		clock.Advance(45 * time.Second)
		require.NoError(t, reg.Heartbeat(ctx, "chatty"))
		clock.Advance(20 * time.Second)

		online, err := reg.ListOnline(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"chatty"}, online)

		isOnline, err := reg.IsOnline(ctx, "quiet")
		require.NoError(t, err)
		assert.False(t, isOnline)

		// coming back after expiry counts as a fresh transition
		newly, err := reg.SetOnline(ctx, "quiet")
		require.NoError(t, err)
		assert.True(t, newly)
	})
}

func TestRegistry_SetOffline(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		reg := newTestRegistry(b, newFakeClock())

		_, err := reg.SetOnline(ctx, "u1")
		require.NoError(t, err)
		require.NoError(t, reg.SetOffline(ctx, "u1"))
		require.NoError(t, reg.SetOffline(ctx, "u1"))

		online, err := reg.ListOnline(ctx)
		require.NoError(t, err)
		assert.Empty(t, online)
	})
}

func TestRegistry_CleanupRemovesOnlyAbandoned(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		clock := newFakeClock()
		reg := newTestRegistry(b, clock)

		_, err := reg.SetOnline(ctx, "old")
		require.NoError(t, err)
		clock.Advance(9 * time.Minute)
		_, err = reg.SetOnline(ctx, "recent")
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		removed, err := reg.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, ok, err := b.LastSeen(ctx, "old")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = b.LastSeen(ctx, "recent")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRegistry_RejectsEmptyUser(t *testing.T) {
	reg := newTestRegistry(NewMemoryBackend(), newFakeClock())
	_, err := reg.SetOnline(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	assert.ErrorIs(t, reg.Heartbeat(context.Background(), ""), types.ErrInvalidInput)
	assert.ErrorIs(t, reg.SetOffline(context.Background(), ""), types.ErrInvalidInput)
}

func TestRegistry_RecordsTransitions(t *testing.T) {
	rec := &recordedPresence{err: errors.New("disk full")}
	clock := newFakeClock()
	reg := newTestRegistry(NewMemoryBackend(), clock, WithRecorder(rec))
	ctx := context.Background()

	// recorder failures never fail the registry
	_, err := reg.SetOnline(ctx, "u1")
	require.NoError(t, err)
	clock.Advance(20 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, "u1"))
	require.NoError(t, reg.SetOffline(ctx, "u1"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.rows, 3)
	assert.Equal(t, types.PresenceOnline, rec.rows[0].Status)
	assert.Equal(t, types.PresenceOnline, rec.rows[1].Status)
	assert.Equal(t, types.PresenceOffline, rec.rows[2].Status)
}

// FUNCTIONAL VALIDATION TEST: heartbeats move the recorded last-seen time forward
func TestRegistry_HeartbeatRecordsLastSeen(t *testing.T) {
	rec := &recordedPresence{}
	clock := newFakeClock()
	reg := newTestRegistry(NewMemoryBackend(), clock, WithRecorder(rec))
	ctx := context.Background()

	_, err := reg.SetOnline(ctx, "u1")
	require.NoError(t, err)
	connectedAt := clock.Now()
	clock.Advance(45 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, "u1"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.rows, 2)
	assert.Equal(t, connectedAt, rec.rows[0].LastSeenAt)
	assert.Equal(t, connectedAt.Add(45*time.Second), rec.rows[1].LastSeenAt)
	assert.Equal(t, "u1", rec.rows[1].UserID)
}

func TestRegistry_BackendFailureIsUpstream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	reg := newTestRegistry(NewRedisBackend(client, ""), newFakeClock())
	mr.Close()

	_, err := reg.ListOnline(context.Background())
	assert.ErrorIs(t, err, types.ErrUpstream)
}

func TestRegistry_RunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupInterval = time.Millisecond
	reg := NewRegistry(NewMemoryBackend(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
