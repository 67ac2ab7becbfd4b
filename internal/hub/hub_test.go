package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession/internal/notify"
	"livesession/internal/presence"
	"livesession/internal/websocket"
	"livesession/pkg/protocol"
	"livesession/pkg/types"
)

type recordingConn struct {
	id, userID string

	mu     sync.Mutex
	frames []*protocol.Envelope
	closed bool
}

func (c *recordingConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if env, ok := v.(*protocol.Envelope); ok {
		c.frames = append(c.frames, env)
	}
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) GetConnectionID() string  { return c.id }
func (c *recordingConn) GetUserID() string        { return c.userID }
func (c *recordingConn) GetRole() string          { return "STUDENT" }
func (c *recordingConn) EstablishedAt() time.Time { return time.Time{} }

func (c *recordingConn) ofType(eventType string) []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range c.frames {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func (c *recordingConn) lastOnline(t *testing.T) []string {
	t.Helper()
	frames := c.ofType(protocol.TypePresenceUpdate)
	require.NotEmpty(t, frames)
	var snapshot notify.PresenceSnapshot
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &snapshot))
	return snapshot.OnlineUserIDs
}

type presenceCall struct {
	userID string
	online bool
}

type recordingSessions struct {
	mu    sync.Mutex
	calls []presenceCall
}

func (s *recordingSessions) MarkPresence(_ context.Context, userID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, presenceCall{userID, online})
	return nil
}

func (s *recordingSessions) snapshot() []presenceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]presenceCall(nil), s.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type fixture struct {
	hub       *Hub
	directory *websocket.Registry
	presence  *presence.Registry
	queue     *notify.MemoryQueue
	sessions  *recordingSessions
	clock     *fakeClock
}

func setupHub(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		directory: websocket.NewRegistry(),
		queue:     notify.NewMemoryQueue(),
		sessions:  &recordingSessions{},
		clock:     &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)},
	}
	f.presence = presence.NewRegistry(presence.NewMemoryBackend(), presence.Config{
		ActiveWindow:    time.Minute,
		HardTimeout:     10 * time.Minute,
		CleanupInterval: time.Minute,
	}, presence.WithClock(f.clock.Now))
	dispatcher := notify.NewDispatcher(f.directory, f.presence, f.queue, nil)
	f.hub = NewHub(f.directory, f.presence, dispatcher, f.sessions, nil, DefaultConfig())
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.hub.Start(context.Background()))
	t.Cleanup(func() { _ = f.hub.Stop() })
}

func TestHub_StartStop(t *testing.T) {
	f := setupHub(t)
	ctx := context.Background()

	require.NoError(t, f.hub.Start(ctx))
	assert.Equal(t, ErrHubAlreadyRunning, f.hub.Start(ctx))
	require.NoError(t, f.hub.Stop())
	assert.Equal(t, ErrHubNotRunning, f.hub.Stop())
}

func TestHub_StopsWithContext(t *testing.T) {
	f := setupHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.hub.Start(ctx))
	cancel()

	select {
	case <-f.hub.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop on context cancellation")
	}
	assert.Equal(t, ErrHubNotRunning, f.hub.Stop())
}

// FUNCTIONAL VALIDATION TEST: connect registers, marks online, drains the queue and broadcasts
func TestHub_Connect(t *testing.T) {
	f := setupHub(t)
	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, &types.Notification{ID: "n1", RecipientUserID: "S2", Type: protocol.TypeSessionInvite}))

	other := &recordingConn{id: "c1", userID: "S1"}
	f.hub.Connect(other)
	conn := &recordingConn{id: "c2", userID: "S2"}
	f.hub.Connect(conn)

	assert.True(t, f.directory.IsConnected("S2"))
	online, err := f.presence.IsOnline(ctx, "S2")
	require.NoError(t, err)
	assert.True(t, online)

	pending := conn.ofType(protocol.TypeNotificationsPending)
	require.Len(t, pending, 1)
	var delivered []*types.Notification
	require.NoError(t, json.Unmarshal(pending[0].Payload, &delivered))
	require.Len(t, delivered, 1)
	assert.Equal(t, "n1", delivered[0].ID)

	assert.Equal(t, []string{"S1", "S2"}, other.lastOnline(t))
	assert.Equal(t, []string{"S1", "S2"}, conn.lastOnline(t))
	assert.Equal(t, []presenceCall{{"S1", true}, {"S2", true}}, f.sessions.snapshot())

	// The queue was drained exactly once.
	again, err := f.queue.Drain(ctx, "S2")
	require.NoError(t, err)
	assert.Empty(t, again)
}

// FUNCTIONAL VALIDATION TEST: a user stays online until their last handle closes
func TestHub_MultipleHandles(t *testing.T) {
	f := setupHub(t)
	f.start(t)
	ctx := context.Background()

	observer := &recordingConn{id: "obs", userID: "T1"}
	tab1 := &recordingConn{id: "tab1", userID: "S1"}
	tab2 := &recordingConn{id: "tab2", userID: "S1"}
	f.hub.Connect(observer)
	f.hub.Connect(tab1)
	f.hub.Connect(tab2)

	f.hub.Disconnect(tab1)
	online, err := f.presence.IsOnline(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, []string{"S1", "T1"}, observer.lastOnline(t))

	f.hub.Disconnect(tab2)
	online, err = f.presence.IsOnline(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, online)
	assert.Equal(t, []string{"T1"}, observer.lastOnline(t))

	assert.Equal(t, []presenceCall{{"T1", true}, {"S1", true}, {"S1", false}}, f.sessions.snapshot())

	// Unknown handles are ignored.
	f.hub.Disconnect(tab2)
	assert.Len(t, f.sessions.snapshot(), 3)
}

func TestHub_DuplicateConnectionIsClosed(t *testing.T) {
	f := setupHub(t)
	f.start(t)

	f.hub.Connect(&recordingConn{id: "c1", userID: "S1"})
	dup := &recordingConn{id: "c1", userID: "S1"}
	f.hub.Connect(dup)

	assert.True(t, dup.closed)
	assert.Equal(t, 1, f.directory.GetStats()["total_connections"])
}

func TestHub_WorksWithoutLoop(t *testing.T) {
	f := setupHub(t)
	conn := &recordingConn{id: "c1", userID: "S1"}

	f.hub.Connect(conn)
	assert.True(t, f.directory.IsConnected("S1"))
	f.hub.Disconnect(conn)
	assert.False(t, f.directory.IsConnected("S1"))
}

// FUNCTIONAL VALIDATION TEST: silent users expire and the change is broadcast
func TestHub_SweepBroadcastsExpiry(t *testing.T) {
	f := setupHub(t)
	ctx := context.Background()

	active := &recordingConn{id: "a", userID: "A"}
	silent := &recordingConn{id: "b", userID: "B"}
	f.hub.Connect(active)
	f.hub.Connect(silent)
	assert.Equal(t, []string{"A", "B"}, active.lastOnline(t))
	before := len(active.ofType(protocol.TypePresenceUpdate))

	// Nothing changed, nothing sent.
	f.hub.sweep(ctx)
	assert.Len(t, active.ofType(protocol.TypePresenceUpdate), before)

	f.clock.Advance(40 * time.Second)
	require.NoError(t, f.presence.Heartbeat(ctx, "A"))
	f.clock.Advance(40 * time.Second)

	f.hub.sweep(ctx)
	assert.Equal(t, []string{"A"}, active.lastOnline(t))
	calls := f.sessions.snapshot()
	assert.Equal(t, presenceCall{"B", false}, calls[len(calls)-1])

	// A heartbeat brings B back and the sessions hear about it.
	require.NoError(t, f.presence.Heartbeat(ctx, "B"))
	f.hub.sweep(ctx)
	assert.Equal(t, []string{"A", "B"}, active.lastOnline(t))
	calls = f.sessions.snapshot()
	assert.Equal(t, presenceCall{"B", true}, calls[len(calls)-1])

	// Steady state again.
	settled := len(active.ofType(protocol.TypePresenceUpdate))
	f.hub.sweep(ctx)
	assert.Len(t, active.ofType(protocol.TypePresenceUpdate), settled)
	assert.Len(t, f.sessions.snapshot(), len(calls))
}

// FUNCTIONAL VALIDATION TEST: sockets that close after shutdown only leave the directory
func TestHub_DisconnectAfterStop(t *testing.T) {
	f := setupHub(t)
	require.NoError(t, f.hub.Start(context.Background()))

	conns := make([]*recordingConn, 50)
	for i := range conns {
		conns[i] = &recordingConn{id: fmt.Sprintf("c%d", i), userID: fmt.Sprintf("U%02d", i)}
		f.hub.Connect(conns[i])
	}
	require.Equal(t, 50, f.directory.GetStats()["total_connections"])
	require.NoError(t, f.hub.Stop())

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *recordingConn) {
			defer wg.Done()
			f.hub.Disconnect(c)
		}(conn)
	}
	wg.Wait()

	assert.Equal(t, 0, f.directory.GetStats()["total_connections"])
	for _, call := range f.sessions.snapshot() {
		assert.True(t, call.online, "no session presence changes after stop")
	}
	assert.Len(t, f.sessions.snapshot(), 50)

	// Late connects are refused.
	late := &recordingConn{id: "late", userID: "L1"}
	f.hub.Connect(late)
	assert.True(t, late.closed)
	assert.False(t, f.directory.IsConnected("L1"))
}
