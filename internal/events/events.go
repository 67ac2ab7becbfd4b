// Package events publishes session lifecycle events to an external bus.
// Publishing is fire-and-forget from the caller's point of view: failures
// are returned for logging and never undo the state change.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"livesession/internal/config"
)

var log = logrus.WithField("component", "events")

// Event types
const (
	SessionCreated     = "session.created"
	SessionEnded       = "session.ended"
	ParticipantAdded   = "participant.added"
	ParticipantRemoved = "participant.removed"
)

// Event is the message body sent to the bus.
type Event struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	SessionID  string      `json:"sessionId"`
	ActorID    string      `json:"actorId"`
	OccurredAt time.Time   `json:"occurredAt"`
	Data       interface{} `json:"data,omitempty"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(eventType, sessionID, actorID string, data interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		SessionID:  sessionID,
		ActorID:    actorID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	entry *logrus.Entry
}

func NewLogPublisher(entry *logrus.Entry) *LogPublisher {
	if entry == nil {
		entry = log
	}
	return &LogPublisher{entry: entry}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.entry.WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"event":      ev.Type,
		"session_id": ev.SessionID,
		"actor_id":   ev.ActorID,
	}).Info("Session event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// New builds the publisher selected by cfg.Driver.
func New(cfg config.EventsConfig) (Publisher, error) {
	switch cfg.Driver {
	case config.EventsNone, "":
		return Noop{}, nil
	case config.EventsLog:
		return NewLogPublisher(nil), nil
	case config.EventsAMQP:
		return DialAMQP(cfg.AMQPURL, cfg.Exchange)
	case config.EventsKafka:
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

func encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.Type, err)
	}
	return body, nil
}
