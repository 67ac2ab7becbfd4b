package interfaces

import (
	"context"

	"livesession/pkg/types"
)

// DatabaseManager is the durable store for session stubs, chat messages,
// pending notifications and presence rows.
type DatabaseManager interface {
	// CreateSession persists the stub written at session start.
	CreateSession(ctx context.Context, session *types.Session) error

	// GetSession returns the last flushed state of a session.
	// Missing rows yield an error wrapping types.ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// UpdateSession flushes status, end time and the full snapshot.
	UpdateSession(ctx context.Context, session *types.Session) error

	// ListActiveSessions returns sessions whose durable status is ACTIVE.
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)

	StoreMessage(ctx context.Context, message *types.ChatMessage) error
	GetSessionMessages(ctx context.Context, sessionID string) ([]*types.ChatMessage, error)

	// EnqueueNotification appends to the recipient's FIFO queue.
	EnqueueNotification(ctx context.Context, n *types.Notification) error

	// DrainNotifications returns and deletes the recipient's queue in one transaction.
	DrainNotifications(ctx context.Context, recipientID string) ([]*types.Notification, error)

	// RequeueNotifications puts drained entries back ahead of newer ones.
	RequeueNotifications(ctx context.Context, ns []*types.Notification) error

	UpsertPresence(ctx context.Context, presence *types.UserPresence) error

	HealthCheck(ctx context.Context) error
	Close() error
}
