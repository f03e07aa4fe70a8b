package typing

import (
	"sync"
	"time"
)

// DefaultTimeout is the inactivity window after which typing stops on its own
const DefaultTimeout = 2 * time.Second

// ExpireFunc is called, outside the tracker lock, when a pair stops typing by timeout
type ExpireFunc func(senderID, receiverID int64)

type pairKey struct {
	sender   int64
	receiver int64
}

type entry struct {
	timer      *time.Timer
	generation uint64
}

// Tracker keeps per-(sender, receiver) typing state with debounce expiry
// ARCHITECTURAL DISCOVERY: At most one live timer per pair; a re-arm bumps the
// generation so a timer that already fired but lost the race becomes a no-op
type Tracker struct {
	mu         sync.Mutex
	entries    map[pairKey]*entry
	timeout    time.Duration
	onExpire   ExpireFunc
	generation uint64
	closed     bool
}

// NewTracker creates a tracker; timeout <= 0 uses DefaultTimeout
func NewTracker(timeout time.Duration, onExpire ExpireFunc) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		entries:  make(map[pairKey]*entry),
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// Start marks sender as typing to receiver and (re)arms the expiry timer.
// It reports whether the pair was already typing.
func (t *Tracker) Start(senderID, receiverID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	key := pairKey{senderID, receiverID}
	existing, wasTyping := t.entries[key]
	if wasTyping {
		existing.timer.Stop()
	}

	t.generation++
	gen := t.generation
	t.entries[key] = &entry{
		generation: gen,
		timer:      time.AfterFunc(t.timeout, func() { t.expire(key, gen) }),
	}
	return wasTyping
}

// Stop clears the pair and cancels its timer, reporting whether it was typing
func (t *Tracker) Stop(senderID, receiverID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeLocked(pairKey{senderID, receiverID})
}

// IsTyping reports the current state of a pair
func (t *Tracker) IsTyping(senderID, receiverID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[pairKey{senderID, receiverID}]
	return ok
}

// CancelSender clears every pair whose sender is senderID and returns the receivers
// that were being typed to
func (t *Tracker) CancelSender(senderID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var receivers []int64
	for key := range t.entries {
		if key.sender == senderID {
			t.removeLocked(key)
			receivers = append(receivers, key.receiver)
		}
	}
	return receivers
}

// Pending returns the number of armed timers
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels every timer; later Start calls are ignored
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.entries {
		t.removeLocked(key)
	}
	t.closed = true
}

func (t *Tracker) removeLocked(key pairKey) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

func (t *Tracker) expire(key pairKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || e.generation != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(key.sender, key.receiver)
	}
}
