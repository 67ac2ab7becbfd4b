package database

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "livesession/pkg/database"
	"livesession/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "test.db")
	cfg.WriteRetryDelay = 10 * time.Millisecond
	cfg.WriteTimeout = 5 * time.Second

	m, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Migrate())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testSession(id string) *types.Session {
	s := &types.Session{
		ID:          id,
		HostID:      "host1",
		Type:        types.SessionTypeClass,
		ClassID:     "class-7",
		Title:       "Math",
		Status:      types.SessionStatusActive,
		StartTime:   time.Now().UTC().Truncate(time.Millisecond),
		Messages:    []*types.ChatMessage{},
		RaisedHands: []string{},
		Polls:       []*types.Poll{},
		Quizzes:     []*types.Quiz{},
	}
	s.AddParticipant(&types.Participant{UserID: "host1", Role: "TEACHER"})
	s.AddParticipant(&types.Participant{UserID: "s1", Role: "STUDENT"})
	return s
}

func TestManager_SessionRoundTrip(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	s := testSession("sess-1")
	require.NoError(t, m.CreateSession(ctx, s))

	got, err := m.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "host1", got.HostID)
	assert.Equal(t, "class-7", got.ClassID)
	assert.Equal(t, []string{"host1", "s1"}, got.ParticipantIDs())
	assert.True(t, got.StartTime.Equal(s.StartTime))
	assert.Nil(t, got.EndTime)

	active, err := m.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	end := time.Now().UTC()
	s.Status = types.SessionStatusEnded
	s.EndTime = &end
	p, _ := s.Participant("s1")
	p.Points = 5
	require.NoError(t, m.UpdateSession(ctx, s))

	got, err = m.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusEnded, got.Status)
	require.NotNil(t, got.EndTime)
	gp, _ := got.Participant("s1")
	assert.Equal(t, 5, gp.Points)

	active, err = m.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestManager_GetSessionNotFound(t *testing.T) {
	m := setupTestDB(t)

	_, err := m.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = m.UpdateSession(context.Background(), testSession("missing"))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestManager_Messages(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, m.CreateSession(ctx, testSession("sess-1")))

	base := time.Now().UTC()
	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, m.StoreMessage(ctx, &types.ChatMessage{
			ID:        content,
			SessionID: "sess-1",
			AuthorID:  "s1",
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := m.GetSessionMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "third", msgs[2].Content)

	// Messages reference an existing session.
	err = m.StoreMessage(ctx, &types.ChatMessage{ID: "x", SessionID: "nope", AuthorID: "a", Content: "c", CreatedAt: base})
	assert.Error(t, err)
}

func TestManager_NotificationQueueIsFIFOAndDestructive(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, m.EnqueueNotification(ctx, &types.Notification{
			ID:              id,
			RecipientUserID: "s2",
			Type:            "session:invite",
			Title:           "Invitation",
			Payload:         json.RawMessage(`{"id":"sess-1"}`),
			CreatedAt:       now,
		}))
	}
	require.NoError(t, m.EnqueueNotification(ctx, &types.Notification{ID: "other", RecipientUserID: "s3", Type: "t", CreatedAt: now}))

	drained, err := m.DrainNotifications(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, drained, 3)
	assert.Equal(t, "n1", drained[0].ID)
	assert.Equal(t, "n3", drained[2].ID)
	assert.JSONEq(t, `{"id":"sess-1"}`, string(drained[0].Payload))

	again, err := m.DrainNotifications(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, again)

	others, err := m.DrainNotifications(ctx, "s3")
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestManager_ConcurrentDrainDeliversOnce(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, m.EnqueueNotification(ctx, &types.Notification{ID: "only", RecipientUserID: "u", Type: "t", CreatedAt: time.Now().UTC()}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.DrainNotifications(ctx, "u")
			assert.NoError(t, err)
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestManager_UpsertPresence(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	first := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, m.UpsertPresence(ctx, &types.UserPresence{UserID: "u1", Status: types.PresenceOnline, LastSeenAt: first}))
	second := time.Now().UTC()
	require.NoError(t, m.UpsertPresence(ctx, &types.UserPresence{UserID: "u1", Status: types.PresenceOffline, LastSeenAt: second}))

	p, err := m.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.PresenceOffline, p.Status)
	assert.WithinDuration(t, second, p.LastSeenAt, time.Millisecond)

	_, err = m.GetPresence(ctx, "nobody")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, m.HealthCheck(ctx))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err := m.CreateSession(ctx, testSession("late"))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestNewManager_RejectsInvalidConfig(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.Driver = "oracle"
	_, err := NewManager(cfg)
	assert.Error(t, err)
}
