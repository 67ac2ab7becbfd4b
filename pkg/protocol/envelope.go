// Package protocol defines the socket wire format: a tagged envelope whose
// type selects exactly one payload struct.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"livesession/pkg/types"
)

// Outbound event types
const (
	TypePresenceUpdate          = "presence:update"
	TypeStudentSignaledPresence = "student:signaled_presence"
	TypeSessionInvite           = "session:invite"
	TypeSessionState            = "session:state"
	TypeSessionUpdate           = "session:update"
	TypeSessionRemoved          = "session:removed"
	TypeSessionEnded            = "session:ended"
	TypeNotificationsPending    = "notifications:pending"
	TypeError                   = "error"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope encodes payload under eventType.
func NewEnvelope(eventType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: eventType, Timestamp: time.Now().UTC()}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	env.Payload = data
	return env, nil
}

// ErrorPayload is sent for rejected requests that are not silently dropped.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

// NewErrorEnvelope builds an error frame for a failed request.
func NewErrorEnvelope(request string, err error) *Envelope {
	payload := ErrorPayload{
		Code:    types.ErrorCode(err),
		Message: err.Error(),
		Request: request,
	}
	data, _ := json.Marshal(payload)
	return &Envelope{Type: TypeError, Payload: data, Timestamp: time.Now().UTC()}
}

// StudentSignal is the payload of student:signaled_presence.
type StudentSignal struct {
	StudentID string `json:"studentId"`
}

// SessionRemoval is the payload of session:removed.
type SessionRemoval struct {
	SessionID string `json:"sessionId"`
	RemovedBy string `json:"removedBy"`
}

// SessionEnded is the payload of session:ended.
type SessionEnded struct {
	SessionID string     `json:"sessionId"`
	EndedBy   string     `json:"endedBy"`
	EndTime   *time.Time `json:"endTime,omitempty"`
}
