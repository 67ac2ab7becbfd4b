package router

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession/internal/database"
	"livesession/internal/notify"
	"livesession/internal/presence"
	"livesession/internal/session"
	"livesession/internal/websocket"
	dbconfig "livesession/pkg/database"
	"livesession/pkg/protocol"
	"livesession/pkg/types"
)

// recordingConn captures every frame written to it.
type recordingConn struct {
	id, userID, role string

	mu     sync.Mutex
	frames []*protocol.Envelope
}

func (c *recordingConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if env, ok := v.(*protocol.Envelope); ok {
		c.frames = append(c.frames, env)
	}
	return nil
}

func (c *recordingConn) Close() error             { return nil }
func (c *recordingConn) GetConnectionID() string  { return c.id }
func (c *recordingConn) GetUserID() string        { return c.userID }
func (c *recordingConn) GetRole() string          { return c.role }
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

func (c *recordingConn) last(t *testing.T, eventType string) *protocol.Envelope {
	t.Helper()
	frames := c.ofType(eventType)
	require.NotEmpty(t, frames, "no %s frame for %s", eventType, c.userID)
	return frames[len(frames)-1]
}

type fixture struct {
	router     *Router
	directory  *websocket.Registry
	presence   *presence.Registry
	sessions   *session.Manager
	dispatcher *notify.Dispatcher
}

func setupRouter(t *testing.T, config Config) *fixture {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "router.db")
	db, err := database.NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		directory: websocket.NewRegistry(),
		presence:  presence.NewRegistry(presence.NewMemoryBackend(), presence.DefaultConfig()),
	}
	f.dispatcher = notify.NewDispatcher(f.directory, f.presence, notify.NewDatabaseQueue(db), nil)
	f.sessions = session.NewManager(session.NewMemoryStore(), db,
		session.WithNotifier(f.dispatcher),
		session.WithPresence(f.presence),
	)
	f.router = NewRouter(f.sessions, f.presence, f.dispatcher, config, nil)
	return f
}

func (f *fixture) connect(t *testing.T, userID, role string) *recordingConn {
	t.Helper()
	conn := &recordingConn{id: "conn-" + userID, userID: userID, role: role}
	require.NoError(t, f.directory.Register(conn))
	_, err := f.presence.SetOnline(context.Background(), userID)
	require.NoError(t, err)
	return conn
}

func frame(t *testing.T, eventType string, payload interface{}) []byte {
	t.Helper()
	env, err := protocol.NewEnvelope(eventType, payload)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func (f *fixture) startMath(t *testing.T, host *recordingConn) *types.Session {
	t.Helper()
	f.router.Dispatch(context.Background(), host, frame(t, protocol.TypeSessionStart, map[string]interface{}{
		"title":        "Math",
		"type":         "CLASS",
		"participants": []map[string]string{{"userId": "S1"}, {"userId": "S2"}},
	}))
	var s types.Session
	require.NoError(t, json.Unmarshal(host.last(t, protocol.TypeSessionState).Payload, &s))
	return &s
}

// FUNCTIONAL VALIDATION TEST: online invitee live, offline invitee queued and drained once
func TestRouter_SessionStartInvitesAndQueues(t *testing.T) {
	f := setupRouter(t, DefaultConfig())
	host := f.connect(t, "H1", "TEACHER")
	s1 := f.connect(t, "S1", "STUDENT")

	s := f.startMath(t, host)
	assert.Equal(t, []string{"H1", "S1", "S2"}, s.ParticipantIDs())
	assert.Len(t, s1.ofType(protocol.TypeSessionInvite), 1)

	s2 := f.connect(t, "S2", "STUDENT")
	assert.Empty(t, s2.ofType(protocol.TypeSessionInvite))

	f.router.Dispatch(context.Background(), s2, frame(t, protocol.TypeNotificationsFetch, nil))
	var pending []*types.Notification
	require.NoError(t, json.Unmarshal(s2.last(t, protocol.TypeNotificationsPending).Payload, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, protocol.TypeSessionInvite, pending[0].Type)
	assert.Equal(t, "/list/chatroom/session?sessionId="+s.ID, pending[0].ActionURL)

	f.router.Dispatch(context.Background(), s2, frame(t, protocol.TypeNotificationsFetch, nil))
	require.NoError(t, json.Unmarshal(s2.last(t, protocol.TypeNotificationsPending).Payload, &pending))
	assert.Empty(t, pending)
}

func TestRouter_SessionStartRequiresHostRole(t *testing.T) {
	f := setupRouter(t, DefaultConfig())
	student := f.connect(t, "S1", "STUDENT")

	f.router.Dispatch(context.Background(), student, frame(t, protocol.TypeSessionStart, map[string]interface{}{
		"title":        "Sneaky",
		"participants": []map[string]string{{"userId": "S2"}},
	}))

	assert.Empty(t, student.ofType(protocol.TypeSessionState))
	assert.Empty(t, student.ofType(protocol.TypeError), "forbidden requests are dropped silently")
	active, err := f.sessions.ListActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

// FUNCTIONAL VALIDATION TEST: non-host moderation is dropped, host moderation fans out
func TestRouter_Moderation(t *testing.T) {
	f := setupRouter(t, DefaultConfig())
	host := f.connect(t, "H1", "TEACHER")
	s1 := f.connect(t, "S1", "STUDENT")
	s2 := f.connect(t, "S2", "STUDENT")
	s := f.startMath(t, host)
	ctx := context.Background()

	mute := frame(t, protocol.TypeSessionMute, map[string]string{"sessionId": s.ID, "userId": "S2"})

	f.router.Dispatch(ctx, s1, mute)
	assert.Empty(t, s2.ofType(protocol.TypeSessionUpdate))
	got, err := f.sessions.GetSession(ctx, s.ID)
	require.NoError(t, err)
	p, _ := got.Participant("S2")
	assert.False(t, p.IsMuted)

	f.router.Dispatch(ctx, host, mute)
	for _, conn := range []*recordingConn{host, s1, s2} {
		var update types.Session
		require.NoError(t, json.Unmarshal(conn.last(t, protocol.TypeSessionUpdate).Payload, &update))
		p, _ := update.Participant("S2")
		assert.True(t, p.IsMuted, conn.userID)
	}
}

func TestRouter_SessionGetAndEnd(t *testing.T) {
	f := setupRouter(t, DefaultConfig())
	host := f.connect(t, "H1", "TEACHER")
	s1 := f.connect(t, "S1", "STUDENT")
	outsider := f.connect(t, "X1", "STUDENT")
	s := f.startMath(t, host)
	ctx := context.Background()

	get := frame(t, protocol.TypeSessionGet, map[string]string{"sessionId": s.ID})
	f.router.Dispatch(ctx, s1, get)
	assert.Len(t, s1.ofType(protocol.TypeSessionState), 1)

	f.router.Dispatch(ctx, outsider, get)
	assert.Empty(t, outsider.ofType(protocol.TypeSessionState))

	f.router.Dispatch(ctx, host, frame(t, protocol.TypeSessionEnd, map[string]string{"sessionId": s.ID}))
	assert.Len(t, s1.ofType(protocol.TypeSessionEnded), 1)

	f.router.Dispatch(ctx, s1, get)
	var payload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(s1.last(t, protocol.TypeError).Payload, &payload))
	assert.Equal(t, "not_found", payload.Code)
	assert.Equal(t, protocol.TypeSessionGet, payload.Request)
}

func TestRouter_MalformedFrame(t *testing.T) {
	f := setupRouter(t, DefaultConfig())
	conn := f.connect(t, "S1", "STUDENT")

	f.router.Dispatch(context.Background(), conn, []byte(`{not json`))
	f.router.Dispatch(context.Background(), conn, frame(t, "session:teleport", nil))
	f.router.Dispatch(context.Background(), conn, frame(t, protocol.TypeSessionGet, map[string]string{}))

	errs := conn.ofType(protocol.TypeError)
	require.Len(t, errs, 3)
	for _, env := range errs {
		var payload protocol.ErrorPayload
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		assert.Equal(t, "invalid_input", payload.Code)
	}
}

func TestRouter_StudentPresent(t *testing.T) {
	f := setupRouter(t, DefaultConfig())
	teacher := f.connect(t, "T1", "TEACHER")
	student := f.connect(t, "S1", "STUDENT")
	ctx := context.Background()

	f.router.Dispatch(ctx, student, frame(t, protocol.TypeStudentPresent, map[string]string{"studentId": "S9"}))
	assert.Empty(t, teacher.ofType(protocol.TypeStudentSignaledPresence))

	f.router.Dispatch(ctx, student, frame(t, protocol.TypeStudentPresent, map[string]string{"studentId": "S1"}))
	var signal protocol.StudentSignal
	require.NoError(t, json.Unmarshal(teacher.last(t, protocol.TypeStudentSignaledPresence).Payload, &signal))
	assert.Equal(t, "S1", signal.StudentID)
}

func TestRouter_Presence(t *testing.T) {
	f := setupRouter(t, DefaultConfig())
	a := f.connect(t, "A", "STUDENT")
	b := &recordingConn{id: "conn-B", userID: "B", role: "STUDENT"}
	require.NoError(t, f.directory.Register(b))
	ctx := context.Background()

	f.router.Dispatch(ctx, b, frame(t, protocol.TypePresenceOnline, nil))
	var snapshot notify.PresenceSnapshot
	require.NoError(t, json.Unmarshal(a.last(t, protocol.TypePresenceUpdate).Payload, &snapshot))
	assert.Equal(t, []string{"A", "B"}, snapshot.OnlineUserIDs)

	f.router.Dispatch(ctx, b, frame(t, protocol.TypePresenceHeartbeat, nil))
	f.router.Dispatch(ctx, a, frame(t, protocol.TypePresenceGet, nil))
	require.NoError(t, json.Unmarshal(a.last(t, protocol.TypePresenceUpdate).Payload, &snapshot))
	assert.Equal(t, []string{"A", "B"}, snapshot.OnlineUserIDs)
}

func TestRouter_RateLimit(t *testing.T) {
	f := setupRouter(t, Config{HostRoles: []string{"TEACHER"}, RatePerSecond: 0.001, RateBurst: 2})
	conn := f.connect(t, "S1", "STUDENT")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.router.Dispatch(ctx, conn, frame(t, protocol.TypePresenceHeartbeat, nil))
	}

	errs := conn.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	var payload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Payload, &payload))
	assert.Equal(t, "conflict", payload.Code)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"))

	now = now.Add(2 * time.Second)
	assert.True(t, rl.Allow("u1"), "bucket refills")
	assert.Zero(t, rl.Cleanup())

	now = now.Add(idleLimiterTTL + time.Second)
	assert.Equal(t, 2, rl.Cleanup())
}
