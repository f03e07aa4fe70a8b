package presence

import (
	"sync"
	"time"

	"relay/pkg/types"
)

// Table is the in-memory online/last-seen state of every user seen since start
type Table struct {
	mu      sync.RWMutex
	entries map[int64]types.Presence
}

// NewTable creates an empty presence table
func NewTable() *Table {
	return &Table{entries: make(map[int64]types.Presence)}
}

// SetOnline marks userID online and returns the new state
func (t *Table) SetOnline(userID int64, at time.Time) types.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := types.Presence{UserID: userID, Online: true, LastSeen: at}
	t.entries[userID] = p
	return p
}

// SetOffline marks userID offline with lastSeen = at and returns the new state
func (t *Table) SetOffline(userID int64, at time.Time) types.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := types.Presence{UserID: userID, Online: false, LastSeen: at}
	t.entries[userID] = p
	return p
}

// Get returns the state of userID and whether the table has seen the user
func (t *Table) Get(userID int64) (types.Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.entries[userID]
	return p, ok
}

// OnlineCount returns how many users are currently online
func (t *Table) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, p := range t.entries {
		if p.Online {
			count++
		}
	}
	return count
}

// Overlay copies in-memory state onto users loaded from the repository
// FUNCTIONAL DISCOVERY: The table is authoritative while the process runs, the
// repository row may lag behind by one write
func (t *Table) Overlay(users []*types.User) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, u := range users {
		if p, ok := t.entries[u.ID]; ok {
			u.IsOnline = p.Online
			u.LastSeen = p.LastSeen
		}
	}
}
