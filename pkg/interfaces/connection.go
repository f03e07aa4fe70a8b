package interfaces

import "time"

// Connection represents one live client session
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and routing logic
type Connection interface {
	// GetID returns the unique id of this session
	// FUNCTIONAL DISCOVERY: One user may hold several sessions at once,
	// so the registry keys handles by this id rather than by user
	GetID() string

	// GetUserID returns the authenticated user behind the session
	GetUserID() int64

	// GetConnectedAt returns when the session was established
	GetConnectedAt() time.Time

	// WriteJSON marshals v and queues it for delivery (thread-safe)
	WriteJSON(v interface{}) error

	// WriteRaw queues an already encoded frame for delivery (thread-safe)
	// FUNCTIONAL DISCOVERY: Fan-out encodes once and hands identical bytes to every target
	WriteRaw(data []byte) error

	// Close closes the session and releases its resources; safe to call repeatedly
	Close() error
}
