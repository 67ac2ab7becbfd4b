// Package notify routes events to users. Targeted events go to every live
// handle of the recipient and fall back to a durable queue when none accepts
// them; broadcasts are best effort.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"livesession/internal/metrics"
	"livesession/pkg/interfaces"
	"livesession/pkg/protocol"
	"livesession/pkg/types"
)

var log = logrus.WithField("component", "notify")

// Directory resolves users to their live handles.
type Directory interface {
	Resolve(userID string) []interfaces.Connection
	All() []interfaces.Connection
}

// OnlineLister supplies the presence snapshot.
type OnlineLister interface {
	ListOnline(ctx context.Context) ([]string, error)
}

// PresenceSnapshot is the payload of presence:update.
type PresenceSnapshot struct {
	OnlineUserIDs []string `json:"onlineUserIds"`
}

// Dispatcher is the single path for pushing events to users.
type Dispatcher struct {
	directory Directory
	presence  OnlineLister
	queue     Queue
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewDispatcher(directory Directory, presence OnlineLister, queue Queue, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		directory: directory,
		presence:  presence,
		queue:     queue,
		metrics:   m,
		now:       time.Now,
	}
}

// Notify delivers n to every live handle of its recipient. When none accepts
// the frame, n is queued for the next drain. It reports whether delivery was live.
func (d *Dispatcher) Notify(ctx context.Context, n *types.Notification) (bool, error) {
	if n == nil || n.RecipientUserID == "" {
		return false, fmt.Errorf("%w: notification needs a recipient", types.ErrInvalidInput)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now().UTC()
	}

	env := &protocol.Envelope{Type: n.Type, Payload: n.Payload, Timestamp: n.CreatedAt}
	if d.send(n.RecipientUserID, env) > 0 {
		d.metrics.Notification(metrics.PathLive)
		return true, nil
	}

	if err := d.queue.Enqueue(ctx, n); err != nil {
		return false, fmt.Errorf("%w: queue notification for %s: %v", types.ErrUpstream, n.RecipientUserID, err)
	}
	d.metrics.Notification(metrics.PathQueued)
	log.WithFields(logrus.Fields{
		"recipient": n.RecipientUserID,
		"type":      n.Type,
	}).Debug("Recipient offline, notification queued")

	// A handle registered after the first lookup may already have drained
	// its queue on connect. Drain again so the entry is not left behind.
	if conns := d.directory.Resolve(n.RecipientUserID); len(conns) > 0 {
		if _, err := d.DeliverPending(ctx, conns[0]); err != nil {
			log.WithError(err).WithField("recipient", n.RecipientUserID).Debug("Late pending delivery failed")
		}
	}
	return false, nil
}

// Push sends a live-only event to userID and returns how many handles took it.
func (d *Dispatcher) Push(userID, eventType string, payload interface{}) int {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		log.WithError(err).WithField("type", eventType).Error("Failed to encode event")
		return 0
	}
	return d.send(userID, env)
}

// Broadcast sends an event to every live handle.
func (d *Dispatcher) Broadcast(eventType string, payload interface{}) int {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		log.WithError(err).WithField("type", eventType).Error("Failed to encode event")
		return 0
	}
	delivered := 0
	for _, conn := range d.directory.All() {
		if err := conn.WriteJSON(env); err != nil {
			log.WithError(err).WithField("connection_id", conn.GetConnectionID()).Debug("Broadcast write failed")
			continue
		}
		delivered++
	}
	return delivered
}

// BroadcastPresence pushes the current online snapshot to everyone.
func (d *Dispatcher) BroadcastPresence(ctx context.Context) ([]string, error) {
	online, err := d.presence.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	if online == nil {
		online = []string{}
	}
	d.metrics.SetUsersOnline(len(online))
	d.Broadcast(protocol.TypePresenceUpdate, PresenceSnapshot{OnlineUserIDs: online})
	return online, nil
}

// DrainPending returns and clears recipientID's queue.
func (d *Dispatcher) DrainPending(ctx context.Context, recipientID string) ([]*types.Notification, error) {
	pending, err := d.queue.Drain(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("%w: drain notifications for %s: %v", types.ErrUpstream, recipientID, err)
	}
	if pending == nil {
		pending = []*types.Notification{}
	}
	return pending, nil
}

// DeliverPending drains the owner's queue onto conn as one
// notifications:pending frame. If the write fails the entries go back to the
// head of the queue.
func (d *Dispatcher) DeliverPending(ctx context.Context, conn interfaces.Connection) (int, error) {
	pending, err := d.DrainPending(ctx, conn.GetUserID())
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	payload, err := json.Marshal(pending)
	if err != nil {
		return 0, err
	}
	env := &protocol.Envelope{Type: protocol.TypeNotificationsPending, Payload: payload, Timestamp: d.now().UTC()}
	if err := conn.WriteJSON(env); err != nil {
		if qerr := d.queue.Requeue(ctx, conn.GetUserID(), pending); qerr != nil {
			log.WithError(qerr).WithFields(logrus.Fields{
				"recipient": conn.GetUserID(),
				"lost":      len(pending),
			}).Error("Lost pending notifications")
		}
		return 0, fmt.Errorf("deliver pending notifications: %w", err)
	}
	return len(pending), nil
}

func (d *Dispatcher) send(userID string, env *protocol.Envelope) int {
	delivered := 0
	for _, conn := range d.directory.Resolve(userID) {
		if err := conn.WriteJSON(env); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"user_id":       userID,
				"connection_id": conn.GetConnectionID(),
			}).Debug("Targeted write failed")
			continue
		}
		delivered++
	}
	return delivered
}
