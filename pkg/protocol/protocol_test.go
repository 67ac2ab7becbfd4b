package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession/pkg/types"
)

func TestDecodeInbound_KnownTypes(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, ev Inbound)
	}{
		{
			name:  "presence online without payload",
			frame: `{"type":"presence:online"}`,
			check: func(t *testing.T, ev Inbound) {
				_, ok := ev.(*PresenceOnline)
				assert.True(t, ok)
			},
		},
		{
			name:  "null payload",
			frame: `{"type":"presence:get","payload":null}`,
			check: func(t *testing.T, ev Inbound) {
				_, ok := ev.(*PresenceGet)
				assert.True(t, ok)
			},
		},
		{
			name:  "student present",
			frame: `{"type":"student:present","payload":{"studentId":"s1"}}`,
			check: func(t *testing.T, ev Inbound) {
				sp := ev.(*StudentPresent)
				assert.Equal(t, "s1", sp.StudentID)
			},
		},
		{
			name:  "session start",
			frame: `{"type":"session:start","payload":{"title":"Math","type":"CLASS","participants":[{"userId":"s1","role":"STUDENT"},{"userId":"s2"}]}}`,
			check: func(t *testing.T, ev Inbound) {
				ss := ev.(*SessionStart)
				assert.Equal(t, "Math", ss.Title)
				assert.Len(t, ss.Participants, 2)
				assert.Equal(t, TypeSessionStart, ss.EventType())
			},
		},
		{
			name:  "mute uses nested refs",
			frame: `{"type":"session:mute","payload":{"sessionId":"x","userId":"s2"}}`,
			check: func(t *testing.T, ev Inbound) {
				m := ev.(*SessionMute)
				assert.Equal(t, "x", m.SessionID)
				assert.Equal(t, "s2", m.UserID)
			},
		},
		{
			name:  "move with zero index",
			frame: `{"type":"session:move","payload":{"sessionId":"x","fromIndex":2,"toIndex":0}}`,
			check: func(t *testing.T, ev Inbound) {
				m := ev.(*SessionMove)
				assert.Equal(t, 2, m.FromIndex)
				assert.Equal(t, 0, m.ToIndex)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeInbound([]byte(tt.frame))
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestDecodeInbound_Rejections(t *testing.T) {
	frames := map[string]string{
		"not json":              `{"type":`,
		"unknown type":          `{"type":"session:explode"}`,
		"missing student id":    `{"type":"student:present","payload":{}}`,
		"empty participants":    `{"type":"session:start","payload":{"title":"Math","participants":[]}}`,
		"participant no userId": `{"type":"session:start","payload":{"title":"Math","participants":[{"role":"STUDENT"}]}}`,
		"bad session type":      `{"type":"session:start","payload":{"title":"Math","type":"PARTY","participants":[{"userId":"a"}]}}`,
		"negative index":        `{"type":"session:move","payload":{"sessionId":"x","fromIndex":-1,"toIndex":0}}`,
		"poll with one option":  `{"type":"session:poll_create","payload":{"sessionId":"x","question":"?","options":["a"]}}`,
		"wrong payload shape":   `{"type":"session:end","payload":"x"}`,
	}

	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			ev, err := DecodeInbound([]byte(frame))
			assert.Nil(t, ev)
			assert.True(t, errors.Is(err, types.ErrInvalidInput), "got %v", err)
		})
	}
}

func TestDecodeInbound_ReportsJSONFieldNames(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"session:end","payload":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessionId")
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypePresenceUpdate, []string{"a", "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(env.Payload))

	empty, err := NewEnvelope(TypePresenceUpdate, nil)
	require.NoError(t, err)
	assert.Nil(t, empty.Payload)

	_, err = NewEnvelope("bad", func() {})
	assert.Error(t, err)
}

func TestNewErrorEnvelope(t *testing.T) {
	env := NewErrorEnvelope(TypeSessionGet, types.ErrNotFound)
	assert.Equal(t, TypeError, env.Type)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "not_found", p.Code)
	assert.Equal(t, TypeSessionGet, p.Request)
}
