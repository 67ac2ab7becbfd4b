package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Directory-related errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrAnonymousConnection = errors.New("connection has no user identity")
	ErrDuplicateConnection = errors.New("connection id already registered")
)
