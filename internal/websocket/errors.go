package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrInvalidUser   = errors.New("connection has no valid user id")
)

// Handler-related errors
var (
	ErrMissingCredentials = errors.New("missing authentication credentials")
	ErrUnknownUser        = errors.New("authenticated user does not exist")
	ErrFrameTooLarge      = errors.New("frame exceeds read limit")
)
