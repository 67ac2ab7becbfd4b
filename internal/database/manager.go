package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	dbconfig "livesession/pkg/database"
	"livesession/pkg/interfaces"
	"livesession/pkg/types"
)

var log = logrus.WithField("component", "database")

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("database manager is closed")

var _ interfaces.DatabaseManager = (*Manager)(nil)

// Manager implements the DatabaseManager interface over sqlx.
// ARCHITECTURAL DISCOVERY: reads run concurrently on the pool, every write is
// funnelled through one goroutine so sqlite never sees competing writers.
type Manager struct {
	db           *sqlx.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sqlx.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sqlx.Open(config.Driver, config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if config.Driver == dbconfig.DriverSQLite {
		if err := applySQLiteOptimizations(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
		}
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

// Migrate applies pending migrations and validates the resulting schema.
func (m *Manager) Migrate() error {
	var mm *dbconfig.MigrationManager
	if m.config.MigrationsPath != "" {
		mm = dbconfig.NewMigrationManagerFromDir(m.db, m.config.MigrationsPath)
	} else {
		mm = dbconfig.NewMigrationManager(m.db)
	}
	if err := mm.ApplyMigrations(); err != nil {
		return err
	}
	return mm.ValidateSchema()
}

// writeLoop retries a failed write exactly once after WriteRetryDelay.
// Missing rows and cancelled callers are not retried.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			if err != nil && op.ctx.Err() == nil && !errors.Is(err, types.ErrNotFound) {
				log.WithError(err).Warnf("Database write failed, retrying in %s", m.config.WriteRetryDelay)
				select {
				case <-time.After(m.config.WriteRetryDelay):
					err = op.operation(op.ctx, m.db)
					if err != nil {
						log.WithError(err).Error("Database write failed after retry")
					}
				case <-op.ctx.Done():
					err = op.ctx.Err()
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Info("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write and waits for its result.
func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sqlx.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timeout.C:
		return fmt.Errorf("write operation timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-timeout.C:
		return fmt.Errorf("write operation timeout")
	}
}

type sessionRow struct {
	ID        string       `db:"id"`
	HostID    string       `db:"host_id"`
	Type      string       `db:"type"`
	ClassID   string       `db:"class_id"`
	Title     string       `db:"title"`
	Status    string       `db:"status"`
	StartTime time.Time    `db:"start_time"`
	EndTime   sql.NullTime `db:"end_time"`
	Snapshot  string       `db:"snapshot"`
}

// toSession restores the snapshot and lets the columns win for the fields
// the row tracks directly.
func (r *sessionRow) toSession() (*types.Session, error) {
	s := &types.Session{}
	if r.Snapshot != "" && r.Snapshot != "{}" {
		if err := json.Unmarshal([]byte(r.Snapshot), s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot of session %s: %w", r.ID, err)
		}
	}
	s.ID = r.ID
	s.HostID = r.HostID
	s.Type = r.Type
	s.ClassID = r.ClassID
	s.Title = r.Title
	s.Status = r.Status
	s.StartTime = r.StartTime
	s.EndTime = nil
	if r.EndTime.Valid {
		end := r.EndTime.Time
		s.EndTime = &end
	}
	return s, nil
}

const sessionColumns = "id, host_id, type, class_id, title, status, start_time, end_time, snapshot"

// CreateSession inserts the durable stub for a new session.
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	snapshot, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		query := db.Rebind(`
			INSERT INTO sessions (id, host_id, type, class_id, title, status, start_time, snapshot)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		_, err := db.ExecContext(ctx, query,
			session.ID,
			session.HostID,
			session.Type,
			session.ClassID,
			session.Title,
			session.Status,
			session.StartTime,
			string(snapshot),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var row sessionRow
	err := m.db.GetContext(ctx, &row, m.db.Rebind("SELECT "+sessionColumns+" FROM sessions WHERE id = ?"), sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return row.toSession()
}

// UpdateSession flushes status, end time and the full snapshot.
func (m *Manager) UpdateSession(ctx context.Context, session *types.Session) error {
	snapshot, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, db.Rebind(`
			UPDATE sessions
			SET status = ?, end_time = ?, title = ?, snapshot = ?
			WHERE id = ?
		`), session.Status, session.EndTime, session.Title, string(snapshot), session.ID)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("session %s: %w", session.ID, types.ErrNotFound)
		}
		return nil
	})
}

// ListActiveSessions returns ACTIVE sessions, newest first.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	var rows []sessionRow
	err := m.db.SelectContext(ctx, &rows, m.db.Rebind(
		"SELECT "+sessionColumns+" FROM sessions WHERE status = ? ORDER BY start_time DESC"),
		types.SessionStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}

	sessions := make([]*types.Session, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// StoreMessage stores a chat message in the database
func (m *Manager) StoreMessage(ctx context.Context, message *types.ChatMessage) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT INTO session_messages (id, session_id, author_id, content, created_at)
			VALUES (:id, :session_id, :author_id, :content, :created_at)
		`, message)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// GetSessionMessages returns a session's chat in chronological order.
func (m *Manager) GetSessionMessages(ctx context.Context, sessionID string) ([]*types.ChatMessage, error) {
	var messages []*types.ChatMessage
	err := m.db.SelectContext(ctx, &messages, m.db.Rebind(`
		SELECT id, session_id, author_id, content, created_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY created_at ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session messages: %w", err)
	}
	return messages, nil
}

type notificationRow struct {
	Seq         int64     `db:"seq"`
	ID          string    `db:"id"`
	RecipientID string    `db:"recipient_id"`
	Type        string    `db:"type"`
	Title       string    `db:"title"`
	Message     string    `db:"message"`
	ActionURL   string    `db:"action_url"`
	Payload     string    `db:"payload"`
	CreatedAt   time.Time `db:"created_at"`
}

// EnqueueNotification appends n to its recipient's queue.
func (m *Manager) EnqueueNotification(ctx context.Context, n *types.Notification) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, db.Rebind(`
			INSERT INTO notifications (id, recipient_id, type, title, message, action_url, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), n.ID, n.RecipientUserID, n.Type, n.Title, n.Message, n.ActionURL, string(n.Payload), n.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		return nil
	})
}

// DrainNotifications reads and deletes the recipient's queue in one
// transaction, oldest first.
func (m *Manager) DrainNotifications(ctx context.Context, recipientID string) ([]*types.Notification, error) {
	var drained []*types.Notification
	err := m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		drained = nil
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var rows []notificationRow
		if err := tx.SelectContext(ctx, &rows, tx.Rebind(`
			SELECT seq, id, recipient_id, type, title, message, action_url, payload, created_at
			FROM notifications
			WHERE recipient_id = ?
			ORDER BY seq ASC
		`), recipientID); err != nil {
			return fmt.Errorf("failed to query notifications: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		last := rows[len(rows)-1].Seq
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"DELETE FROM notifications WHERE recipient_id = ? AND seq <= ?"), recipientID, last); err != nil {
			return fmt.Errorf("failed to delete notifications: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit drain: %w", err)
		}

		for _, r := range rows {
			n := &types.Notification{
				ID:              r.ID,
				RecipientUserID: r.RecipientID,
				Type:            r.Type,
				Title:           r.Title,
				Message:         r.Message,
				ActionURL:       r.ActionURL,
				CreatedAt:       r.CreatedAt,
			}
			if r.Payload != "" {
				n.Payload = json.RawMessage(r.Payload)
			}
			drained = append(drained, n)
		}
		return nil
	})
	return drained, err
}

// RequeueNotifications puts ns back in front of every queued entry, keeping
// their order. Rows take sequence numbers below the current minimum.
func (m *Manager) RequeueNotifications(ctx context.Context, ns []*types.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var head int64
		if err := tx.GetContext(ctx, &head, "SELECT COALESCE(MIN(seq), 1) FROM notifications"); err != nil {
			return fmt.Errorf("failed to read queue head: %w", err)
		}

		first := head - int64(len(ns))
		for i, n := range ns {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO notifications (seq, id, recipient_id, type, title, message, action_url, payload, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`), first+int64(i), n.ID, n.RecipientUserID, n.Type, n.Title, n.Message, n.ActionURL, string(n.Payload), n.CreatedAt); err != nil {
				return fmt.Errorf("failed to requeue notification: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit requeue: %w", err)
		}
		return nil
	})
}

// UpsertPresence records the user's last known status.
func (m *Manager) UpsertPresence(ctx context.Context, p *types.UserPresence) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT INTO user_presence (user_id, status, last_seen_at)
			VALUES (:user_id, :status, :last_seen_at)
			ON CONFLICT (user_id) DO UPDATE SET status = excluded.status, last_seen_at = excluded.last_seen_at
		`, p)
		if err != nil {
			return fmt.Errorf("failed to upsert presence: %w", err)
		}
		return nil
	})
}

// GetPresence returns the stored presence row for userID.
func (m *Manager) GetPresence(ctx context.Context, userID string) (*types.UserPresence, error) {
	var p types.UserPresence
	err := m.db.GetContext(ctx, &p, m.db.Rebind(
		"SELECT user_id, status, last_seen_at FROM user_presence WHERE user_id = ?"), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("presence of %s: %w", userID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query presence: %w", err)
	}
	return &p, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sessions"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB exposes the pool for migrations and diagnostics.
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// Close stops the writer and closes the pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(db *sqlx.DB) error {
	for _, pragma := range dbconfig.SQLitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
