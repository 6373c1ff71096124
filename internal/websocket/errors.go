package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("outbound queue full, connection closed")
	ErrInvalidJSON      = errors.New("invalid JSON data")
	ErrInvalidUserID    = errors.New("invalid user ID")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
)

// Handler-related errors
var (
	ErrMissingIdentity = errors.New("missing user identity")
	ErrUnauthenticated = errors.New("identity could not be verified")
)
