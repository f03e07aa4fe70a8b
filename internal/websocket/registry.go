package websocket

import (
	"log"
	"sync"

	"relay/pkg/interfaces"
)

// Registry maps each user to the set of their live connections
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
// maintains clean separation between connection tracking and connection operations
type Registry struct {
	mu    sync.RWMutex                               // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	users map[int64]map[string]interfaces.Connection // userID -> connID -> Connection
	total int
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[int64]map[string]interfaces.Connection),
	}
}

// Add registers conn under its user and returns how many connections the user now has
// FUNCTIONAL DISCOVERY: A user may hold several sessions (tabs, devices); none replaces another
func (r *Registry) Add(conn interfaces.Connection) (int, error) {
	if conn == nil {
		return 0, ErrNilConnection
	}
	userID := conn.GetUserID()
	if userID <= 0 {
		return 0, ErrInvalidUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]interfaces.Connection)
		r.users[userID] = conns
	}
	if _, exists := conns[conn.GetID()]; !exists {
		conns[conn.GetID()] = conn
		r.total++
	}
	return len(conns), nil
}

// Remove unregisters conn. It reports whether conn was registered and how many
// connections remain for its user.
// FUNCTIONAL DISCOVERY: Idempotent operation safe for duplicate disconnect signals
func (r *Registry) Remove(conn interfaces.Connection) (removed bool, remaining int) {
	if conn == nil {
		return false, 0
	}
	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return false, 0
	}
	if _, exists := conns[conn.GetID()]; !exists {
		return false, len(conns)
	}

	delete(conns, conn.GetID())
	r.total--

	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	if len(conns) == 0 {
		delete(r.users, userID)
	}
	return true, len(conns)
}

// Connections returns a snapshot of the live connections of a user
// ARCHITECTURAL DISCOVERY: Returning a copy lets callers deliver outside the lock
func (r *Registry) Connections(userID int64) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]interfaces.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsConnected reports whether the user has at least one live connection
func (r *Registry) IsConnected(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": r.total,
		"connected_users":   len(r.users),
	}
}

// CloseAll closes and forgets every connection, used at shutdown
func (r *Registry) CloseAll() {
	r.mu.Lock()
	users := r.users
	r.users = make(map[int64]map[string]interfaces.Connection)
	r.total = 0
	r.mu.Unlock()

	for userID, conns := range users {
		for _, c := range conns {
			if err := c.Close(); err != nil {
				log.Printf("Failed to close connection %s of user %d: %v", c.GetID(), userID, err)
			}
		}
	}
}
