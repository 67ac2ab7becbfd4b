package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession/internal/config"
)

type fakeChannel struct {
	exchange, key string
	msgs          []amqp.Publishing
	err           error
}

func (c *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange, c.key = exchange, key
	c.msgs = append(c.msgs, msg)
	return c.err
}
func (c *fakeChannel) Close() error { return nil }

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}
func (w *fakeWriter) Close() error { return nil }

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{channel: ch, exchange: "livesession.events"}

	ev := NewEvent(SessionCreated, "sess-1", "host1", map[string]int{"participants": 3})
	require.NoError(t, p.Publish(context.Background(), ev))

	assert.Equal(t, "livesession.events", ch.exchange)
	assert.Equal(t, SessionCreated, ch.key)
	require.Len(t, ch.msgs, 1)
	msg := ch.msgs[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, ev.ID, msg.MessageId)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "sess-1", decoded.SessionID)

	ch.err = errors.New("channel closed")
	assert.Error(t, p.Publish(context.Background(), ev))
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	ev := NewEvent(SessionEnded, "sess-9", "host1", nil)
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("sess-9"), w.msgs[0].Key)
	assert.Equal(t, "type", w.msgs[0].Headers[0].Key)
	assert.Equal(t, []byte(SessionEnded), w.msgs[0].Headers[0].Value)
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	p := NewLogPublisher(logrus.NewEntry(l))
	require.NoError(t, p.Publish(context.Background(), NewEvent(ParticipantRemoved, "s", "h", nil)))
	assert.Contains(t, buf.String(), `"event":"participant.removed"`)
}

func TestNew(t *testing.T) {
	p, err := New(config.EventsConfig{Driver: config.EventsNone})
	require.NoError(t, err)
	assert.IsType(t, Noop{}, p)

	p, err = New(config.EventsConfig{Driver: config.EventsLog})
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, p)

	p, err = New(config.EventsConfig{Driver: config.EventsKafka, KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "t"})
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, p)
	assert.NoError(t, p.Close())

	_, err = New(config.EventsConfig{Driver: "carrier-pigeon"})
	assert.Error(t, err)
}
