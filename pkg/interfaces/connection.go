package interfaces

import "time"

// Connection is one live transport handle owned by a single user.
// ARCHITECTURAL DISCOVERY: writes go through the implementation's single
// writer so any goroutine may call WriteJSON.
type Connection interface {
	// WriteJSON queues v for delivery to the client.
	WriteJSON(v interface{}) error

	// Close releases the transport. Safe to call more than once.
	Close() error

	// GetConnectionID is unique per handle, stable for its lifetime.
	GetConnectionID() string

	GetUserID() string
	GetRole() string

	// EstablishedAt is when the handle was accepted.
	EstablishedAt() time.Time
}
