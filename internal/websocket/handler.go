package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"livesession/internal/auth"
	"livesession/pkg/interfaces"
	"livesession/pkg/types"
)

// IdentityResolver authenticates the upgrade request.
type IdentityResolver interface {
	FromRequest(r *http.Request) (*auth.Identity, error)
}

// Lifecycle is told about every accepted and closed connection, in order.
type Lifecycle interface {
	Connect(conn interfaces.Connection)
	Disconnect(conn interfaces.Connection)
}

// Dispatcher handles one inbound frame. Frames of one connection are
// dispatched sequentially in arrival order.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn interfaces.Connection, data []byte)
}

// Heartbeater renews presence on pong.
type Heartbeater interface {
	Heartbeat(ctx context.Context, userID string) error
}

// HandlerConfig holds socket timings.
type HandlerConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	AllowedOrigins []string
}

// DefaultHandlerConfig pings every 30s and drops a socket after 60s of silence.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		BufferSize:     DefaultBufferSize,
		AllowedOrigins: []string{"*"},
	}
}

// Handler accepts authenticated sockets and pumps their frames to the router.
// ARCHITECTURAL DISCOVERY: authentication happens before the upgrade so
// rejected clients get a plain HTTP 401 instead of a half-open socket.
type Handler struct {
	identities IdentityResolver
	lifecycle  Lifecycle
	dispatcher Dispatcher
	heartbeats Heartbeater
	config     HandlerConfig
	upgrader   websocket.Upgrader
}

func NewHandler(identities IdentityResolver, lifecycle Lifecycle, dispatcher Dispatcher, heartbeats Heartbeater, config HandlerConfig) *Handler {
	h := &Handler{
		identities: identities,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
		heartbeats: heartbeats,
		config:     config,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket authenticates, upgrades and starts the connection pumps.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identities.FromRequest(r)
	if err != nil {
		http.Error(w, "Unauthorized", types.StatusCode(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	wsConn := NewConnection(conn, identity.UserID, identity.Role, h.config.BufferSize, h.config.WriteTimeout)
	log.WithFields(logrus.Fields{
		"connection_id": wsConn.GetConnectionID(),
		"user_id":       identity.UserID,
		"role":          identity.Role,
	}).Info("Connection accepted")

	h.lifecycle.Connect(wsConn)
	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and the ping ticker until the socket
// closes, then reports the disconnect.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.lifecycle.Disconnect(conn)
		_ = conn.Close()
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		if h.heartbeats != nil {
			if err := h.heartbeats.Heartbeat(conn.ctx, conn.GetUserID()); err != nil {
				log.WithError(err).WithField("user_id", conn.GetUserID()).Debug("Heartbeat failed")
			}
		}
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).WithField("connection_id", conn.GetConnectionID()).Debug("Connection read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatcher.Dispatch(conn.ctx, conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}
