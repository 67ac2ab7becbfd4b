package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livesession/pkg/interfaces"
)

var _ interfaces.Connection = (*Connection)(nil)

// Defaults for the per-connection writer.
const (
	DefaultBufferSize   = 100
	DefaultWriteTimeout = 5 * time.Second
)

// Connection is one authenticated socket. Identity is fixed at accept time.
// ARCHITECTURAL DISCOVERY: gorilla connections allow one concurrent writer, so
// every frame goes through writeLoop and any goroutine may call WriteJSON.
type Connection struct {
	conn          *websocket.Conn
	id            string
	userID        string
	role          string
	establishedAt time.Time
	writeCh       chan []byte
	writeTimeout  time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
}

// NewConnection wraps an upgraded socket and starts its writer.
func NewConnection(conn *websocket.Conn, userID, role string, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:          conn,
		id:            uuid.NewString(),
		userID:        userID,
		role:          role,
		establishedAt: time.Now().UTC(),
		writeCh:       make(chan []byte, bufferSize),
		writeTimeout:  writeTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	defer c.Close()
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.WithError(err).WithField("connection_id", c.id).Debug("Write failed, closing connection")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer. It fails once the connection is closed
// or when the buffer stays full for the write timeout.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed when the connection shuts down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) GetConnectionID() string  { return c.id }
func (c *Connection) GetUserID() string        { return c.userID }
func (c *Connection) GetRole() string          { return c.role }
func (c *Connection) EstablishedAt() time.Time { return c.establishedAt }
