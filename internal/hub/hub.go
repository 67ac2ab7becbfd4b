package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"livesession/internal/metrics"
	"livesession/pkg/interfaces"
)

var log = logrus.WithField("component", "hub")

// Directory is the connection directory.
type Directory interface {
	Register(conn interfaces.Connection) error
	Unregister(connID string) (userID string, remaining int, ok bool)
}

// Presence is the presence registry.
type Presence interface {
	SetOnline(ctx context.Context, userID string) (bool, error)
	SetOffline(ctx context.Context, userID string) error
	ListOnline(ctx context.Context) ([]string, error)
}

// Notifier delivers queued notifications and presence snapshots.
type Notifier interface {
	DeliverPending(ctx context.Context, conn interfaces.Connection) (int, error)
	BroadcastPresence(ctx context.Context) ([]string, error)
}

// SessionPresence mirrors connectivity into live sessions.
type SessionPresence interface {
	MarkPresence(ctx context.Context, userID string, online bool) error
}

// Config tunes the hub.
type Config struct {
	// DeliverOnConnect drains queued notifications onto every new connection.
	DeliverOnConnect bool
	// SweepInterval is how often the online set is checked for expired users.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{DeliverOnConnect: true, SweepInterval: 15 * time.Second}
}

type eventKind int

const (
	connectEvent eventKind = iota
	disconnectEvent
)

type lifecycleEvent struct {
	kind eventKind
	conn interfaces.Connection
	done chan struct{}
	// claimed by the loop or, on shutdown, by the submitter
	claimed atomic.Bool
}

// Hub serialises connection lifecycle handling.
// ARCHITECTURAL DISCOVERY: a single goroutine applies connects and
// disconnects in arrival order, so directory, presence and the presence
// broadcast never disagree about who went first
type Hub struct {
	directory Directory
	presence  Presence
	notifier  Notifier
	sessions  SessionPresence
	metrics   *metrics.Metrics
	config    Config

	events   chan *lifecycleEvent
	shutdown chan struct{}
	stopped  chan struct{}

	// lifecycle serialises handling and guards lastOnline
	lifecycle  sync.Mutex
	lastOnline map[string]bool

	running bool
	closed  bool
	mu      sync.RWMutex
}

// NewHub wires the lifecycle handler. sessions and m may be nil.
func NewHub(directory Directory, presence Presence, notifier Notifier, sessions SessionPresence, m *metrics.Metrics, config Config) *Hub {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Hub{
		directory:  directory,
		presence:   presence,
		notifier:   notifier,
		sessions:   sessions,
		metrics:    m,
		config:     config,
		events:     make(chan *lifecycleEvent, 100),
		shutdown:   make(chan struct{}),
		stopped:    make(chan struct{}),
		lastOnline: make(map[string]bool),
	}
}

// Start launches the processing goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	if h.closed {
		return ErrHubClosed
	}
	h.running = true

	log.Info("Starting hub")
	go h.run(ctx)
	return nil
}

// Stop ends processing and waits for the loop to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.closed = true
	close(h.shutdown)
	h.mu.Unlock()

	<-h.stopped
	log.Info("Hub stopped")
	return nil
}

func (h *Hub) state() (running, closed bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running, h.closed
}

// Connect registers conn and returns once it is reachable.
func (h *Hub) Connect(conn interfaces.Connection) {
	h.submit(connectEvent, conn)
}

// Disconnect unregisters conn and returns once presence is updated.
func (h *Hub) Disconnect(conn interfaces.Connection) {
	h.submit(disconnectEvent, conn)
}

func (h *Hub) submit(kind eventKind, conn interfaces.Connection) {
	if conn == nil {
		return
	}
	running, closed := h.state()
	if closed {
		h.release(kind, conn)
		return
	}
	if !running {
		// no loop to hand off to
		h.handle(context.Background(), &lifecycleEvent{kind: kind, conn: conn})
		return
	}

	ev := &lifecycleEvent{kind: kind, conn: conn, done: make(chan struct{})}
	select {
	case h.events <- ev:
	case <-h.shutdown:
		h.release(kind, conn)
		return
	}
	select {
	case <-ev.done:
	case <-h.shutdown:
		// left in the buffer when the loop exited
		if ev.claimed.CompareAndSwap(false, true) {
			h.release(kind, conn)
		}
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.stopped)
	ticker := time.NewTicker(h.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-h.events:
			if ev.claimed.CompareAndSwap(false, true) {
				h.handle(ctx, ev)
			}
			close(ev.done)
		case <-ticker.C:
			h.sweep(ctx)
		case <-h.shutdown:
			return
		case <-ctx.Done():
			h.mu.Lock()
			if h.running {
				h.running = false
				h.closed = true
				close(h.shutdown)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handle(ctx context.Context, ev *lifecycleEvent) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	switch ev.kind {
	case connectEvent:
		h.handleConnect(ctx, ev.conn)
	case disconnectEvent:
		h.handleDisconnect(ctx, ev.conn)
	}
}

// release is the only handling left once the hub is stopped: late connects
// are refused and late disconnects leave the directory. Presence, sessions
// and broadcasts are not touched.
func (h *Hub) release(kind eventKind, conn interfaces.Connection) {
	switch kind {
	case connectEvent:
		_ = conn.Close()
	case disconnectEvent:
		if _, _, ok := h.directory.Unregister(conn.GetConnectionID()); ok {
			h.metrics.ConnectionClosed()
		}
	}
}

func (h *Hub) handleConnect(ctx context.Context, conn interfaces.Connection) {
	userID := conn.GetUserID()
	fields := logrus.Fields{"user_id": userID, "connection_id": conn.GetConnectionID()}

	if err := h.directory.Register(conn); err != nil {
		log.WithError(err).WithFields(fields).Warn("Connection registration failed")
		_ = conn.Close()
		return
	}
	h.metrics.ConnectionOpened()

	newlyOnline, err := h.presence.SetOnline(ctx, userID)
	if err != nil {
		log.WithError(err).WithFields(fields).Error("Failed to mark user online")
	}
	if newlyOnline {
		h.markSessions(ctx, userID, true)
	}

	if h.config.DeliverOnConnect {
		n, err := h.notifier.DeliverPending(ctx, conn)
		if err != nil {
			log.WithError(err).WithFields(fields).Warn("Failed to deliver pending notifications")
		} else if n > 0 {
			log.WithFields(fields).WithField("count", n).Info("Delivered pending notifications")
		}
	}

	h.broadcast(ctx)
	log.WithFields(fields).Debug("Connection registered")
}

func (h *Hub) handleDisconnect(ctx context.Context, conn interfaces.Connection) {
	userID, remaining, ok := h.directory.Unregister(conn.GetConnectionID())
	if !ok {
		return
	}
	h.metrics.ConnectionClosed()
	if remaining > 0 {
		return
	}

	if err := h.presence.SetOffline(ctx, userID); err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Failed to mark user offline")
	}
	h.markSessions(ctx, userID, false)
	h.broadcast(ctx)
	log.WithField("user_id", userID).Debug("User went offline")
}

// sweep rebroadcasts presence when users dropped out of the active window
// without disconnecting, or came back through a heartbeat. Session presence
// follows both directions.
func (h *Hub) sweep(ctx context.Context) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	online, err := h.presence.ListOnline(ctx)
	if err != nil {
		log.WithError(err).Warn("Presence sweep failed")
		return
	}
	current := toSet(online)
	changed := len(current) != len(h.lastOnline)
	for userID := range h.lastOnline {
		if !current[userID] {
			changed = true
			h.markSessions(ctx, userID, false)
		}
	}
	for userID := range current {
		if !h.lastOnline[userID] {
			changed = true
			h.markSessions(ctx, userID, true)
		}
	}
	if changed {
		h.broadcast(ctx)
	}
}

func (h *Hub) broadcast(ctx context.Context) {
	online, err := h.notifier.BroadcastPresence(ctx)
	if err != nil {
		log.WithError(err).Warn("Presence broadcast failed")
		return
	}
	h.lastOnline = toSet(online)
}

func (h *Hub) markSessions(ctx context.Context, userID string, online bool) {
	if h.sessions == nil {
		return
	}
	if err := h.sessions.MarkPresence(ctx, userID, online); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Failed to mirror presence into sessions")
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
