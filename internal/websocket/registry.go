package websocket

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"livesession/pkg/interfaces"
)

var log = logrus.WithField("component", "websocket")

// Registry is the connection directory: connection ID -> handle, with a
// per-user index so one user may hold several handles (tabs, devices).
// TECHNICAL DISCOVERY: RWMutex since fan-out lookups vastly outnumber
// connects and disconnects.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection
	byUser      map[string]map[string]interfaces.Connection
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		byUser:      make(map[string]map[string]interfaces.Connection),
	}
}

// Register adds conn. Earlier handles of the same user stay registered.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	userID := conn.GetUserID()
	if userID == "" {
		return ErrAnonymousConnection
	}
	connID := conn.GetConnectionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[connID]; exists {
		return ErrDuplicateConnection
	}
	r.connections[connID] = conn
	handles := r.byUser[userID]
	if handles == nil {
		handles = make(map[string]interfaces.Connection)
		r.byUser[userID] = handles
	}
	handles[connID] = conn
	return nil
}

// Unregister removes the handle and reports its owner and how many handles
// the owner still has. ok is false for unknown IDs.
func (r *Registry) Unregister(connID string) (userID string, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connID]
	if !exists {
		return "", 0, false
	}
	delete(r.connections, connID)

	userID = conn.GetUserID()
	if handles, exists := r.byUser[userID]; exists {
		delete(handles, connID)
		remaining = len(handles)
		if remaining == 0 {
			delete(r.byUser, userID)
		}
	}
	return userID, remaining, true
}

// Resolve returns every live handle of userID.
func (r *Registry) Resolve(userID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := r.byUser[userID]
	out := make([]interfaces.Connection, 0, len(handles))
	for _, conn := range handles {
		out = append(out, conn)
	}
	return out
}

// ConnectionIDs returns the sorted handle IDs of userID.
func (r *Registry) ConnectionIDs(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsConnected reports whether userID has at least one handle.
func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// All returns every live handle.
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

// GetStats returns directory counters for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"total_connections": len(r.connections),
		"connected_users":   len(r.byUser),
	}
}
