package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession/internal/config"
	"livesession/pkg/protocol"
	"livesession/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "app.db")
	cfg.Auth.JWTSecret = "integration-secret"
	cfg.Events.Driver = config.EventsNone
	return cfg
}

type harness struct {
	app    *Application
	server *httptest.Server
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	application, err := NewApplication(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	require.NoError(t, application.startComponents(context.Background()))

	server := httptest.NewServer(application.Handler())
	t.Cleanup(server.Close)
	return &harness{app: application, server: server}
}

func (h *harness) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := h.app.verifier.IssueToken(userID, role, time.Hour)
	require.NoError(t, err)
	return token
}

func (h *harness) dial(t *testing.T, userID, role string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?token=" + h.token(t, userID, role)
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil skips frames until one of eventType arrives.
func readUntil(t *testing.T, conn *gorillaws.Conn, eventType string) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", eventType)
		if env.Type == eventType {
			return &env
		}
	}
}

func (h *harness) request(t *testing.T, method, path, userID, role string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token(t, userID, role))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""

	_, err := NewApplication(cfg)
	assert.Error(t, err)
}

func TestApplication_RejectsUnauthenticatedSocket(t *testing.T) {
	h := startHarness(t)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// FUNCTIONAL VALIDATION TEST: an online invitee gets the invitation live,
// an offline one gets it exactly once when they connect
func TestApplication_InvitationsLiveAndOnConnect(t *testing.T) {
	h := startHarness(t)

	s1 := h.dial(t, "S1", "STUDENT")
	readUntil(t, s1, protocol.TypePresenceUpdate)

	resp := h.request(t, http.MethodPost, "/api/sessions", "H1", "TEACHER", map[string]interface{}{
		"title":        "Math",
		"type":         "CLASS",
		"participants": []map[string]string{{"userId": "S1"}, {"userId": "S2"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Session *types.Session `json:"session"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotNil(t, created.Session)

	invite := readUntil(t, s1, protocol.TypeSessionInvite)
	var invited types.Session
	require.NoError(t, json.Unmarshal(invite.Payload, &invited))
	assert.Equal(t, created.Session.ID, invited.ID)

	s2 := h.dial(t, "S2", "STUDENT")
	pendingFrame := readUntil(t, s2, protocol.TypeNotificationsPending)
	var pending []*types.Notification
	require.NoError(t, json.Unmarshal(pendingFrame.Payload, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "S2", pending[0].RecipientUserID)
	assert.Equal(t, protocol.TypeSessionInvite, pending[0].Type)
	assert.True(t, strings.HasSuffix(pending[0].ActionURL, created.Session.ID))

	resp = h.request(t, http.MethodGet, "/api/notifications", "S2", "STUDENT", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var drained struct {
		Notifications []*types.Notification `json:"notifications"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&drained))
	assert.Empty(t, drained.Notifications)
}

// FUNCTIONAL VALIDATION TEST: ending a session reaches connected participants
func TestApplication_EndSessionOverSocket(t *testing.T) {
	h := startHarness(t)

	host := h.dial(t, "H1", "TEACHER")
	readUntil(t, host, protocol.TypePresenceUpdate)
	student := h.dial(t, "S1", "STUDENT")
	readUntil(t, student, protocol.TypePresenceUpdate)

	require.NoError(t, host.WriteJSON(map[string]interface{}{
		"type": protocol.TypeSessionStart,
		"payload": map[string]interface{}{
			"title":        "Physics",
			"participants": []map[string]string{{"userId": "S1"}},
		},
	}))
	state := readUntil(t, host, protocol.TypeSessionState)
	var s types.Session
	require.NoError(t, json.Unmarshal(state.Payload, &s))
	readUntil(t, student, protocol.TypeSessionInvite)

	require.NoError(t, host.WriteJSON(map[string]interface{}{
		"type":    protocol.TypeSessionEnd,
		"payload": map[string]string{"sessionId": s.ID},
	}))
	ended := readUntil(t, student, protocol.TypeSessionEnded)
	assert.Contains(t, string(ended.Payload), s.ID)

	resp := h.request(t, http.MethodGet, "/api/sessions/"+s.ID, "S1", "STUDENT", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// FUNCTIONAL VALIDATION TEST: stopping closes live sockets before the hub and stores go away
func TestApplication_StopClosesLiveSockets(t *testing.T) {
	h := startHarness(t)

	host := h.dial(t, "H1", "TEACHER")
	readUntil(t, host, protocol.TypePresenceUpdate)
	student := h.dial(t, "S1", "STUDENT")
	readUntil(t, student, protocol.TypePresenceUpdate)
	require.Equal(t, 2, h.app.directory.GetStats()["total_connections"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.app.Stop(ctx))

	assert.Equal(t, 0, h.app.directory.GetStats()["total_connections"])
	for _, conn := range []*gorillaws.Conn{host, student} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
}
