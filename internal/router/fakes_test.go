package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"relay/internal/websocket"
	"relay/pkg/types"
)

// fakeConnection records every frame written to it
type fakeConnection struct {
	id     string
	userID int64

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConnection(userID int64, id string) *fakeConnection {
	return &fakeConnection{id: id, userID: userID}
}

func (c *fakeConnection) GetID() string             { return c.id }
func (c *fakeConnection) GetUserID() int64          { return c.userID }
func (c *fakeConnection) GetConnectedAt() time.Time { return time.Time{} }

func (c *fakeConnection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

func (c *fakeConnection) WriteRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrConnectionClosed
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// events decodes the recorded frames
func (c *fakeConnection) events() []types.OutboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.OutboundEvent, 0, len(c.frames))
	for _, f := range c.frames {
		var e types.OutboundEvent
		_ = json.Unmarshal(f, &e)
		out = append(out, e)
	}
	return out
}

func (c *fakeConnection) rawFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *fakeConnection) count(event string) int {
	n := 0
	for _, e := range c.events() {
		if e.Event == event {
			n++
		}
	}
	return n
}

// memoryRepo is an in-memory Repository with failure injection
type memoryRepo struct {
	mu       sync.Mutex
	users    map[int64]*types.User
	messages []*types.Message
	nextID   int64
	lastTS   time.Time

	storeErr    error
	presenceErr error
	presence    []types.Presence
}

func newMemoryRepo(userIDs ...int64) *memoryRepo {
	repo := &memoryRepo{users: make(map[int64]*types.User)}
	for _, id := range userIDs {
		repo.users[id] = &types.User{ID: id, Username: fmt.Sprintf("user%d", id)}
	}
	return repo
}

func (m *memoryRepo) CreateUser(_ context.Context, user *types.User, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.ID = int64(len(m.users) + 1)
	m.users[user.ID] = user
	return nil
}

func (m *memoryRepo) GetUser(_ context.Context, id int64) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, types.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memoryRepo) GetCredentials(context.Context, string) (*types.User, string, error) {
	return nil, "", types.ErrUserNotFound
}

func (m *memoryRepo) ListUsers(_ context.Context, excluding int64) ([]*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.User
	for id, u := range m.users {
		if id != excluding {
			copied := *u
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepo) UpdatePresence(_ context.Context, id int64, online bool, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.presenceErr != nil {
		return m.presenceErr
	}
	m.presence = append(m.presence, types.Presence{UserID: id, Online: online, LastSeen: lastSeen})
	if u, ok := m.users[id]; ok {
		u.IsOnline = online
		u.LastSeen = lastSeen
	}
	return nil
}

func (m *memoryRepo) ResetPresence(context.Context) error { return nil }

func (m *memoryRepo) StoreMessage(_ context.Context, msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return m.storeErr
	}
	if _, ok := m.users[msg.SenderID]; !ok {
		return fmt.Errorf("%w: %w", types.ErrPersistence, types.ErrUserNotFound)
	}
	if _, ok := m.users[msg.ReceiverID]; !ok {
		return fmt.Errorf("%w: %w", types.ErrPersistence, types.ErrUserNotFound)
	}
	m.nextID++
	ts := time.Now().UTC()
	if ts.Before(m.lastTS) {
		ts = m.lastTS
	}
	m.lastTS = ts
	msg.ID = m.nextID
	msg.Timestamp = ts
	msg.IsRead = false
	copied := *msg
	m.messages = append(m.messages, &copied)
	return nil
}

func (m *memoryRepo) MarkRead(_ context.Context, senderID, receiverID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.messages {
		if msg.SenderID == senderID && msg.ReceiverID == receiverID && !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	return n, nil
}

func (m *memoryRepo) GetConversation(_ context.Context, a, b int64, limit, offset int) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Message
	for i := len(m.messages) - 1; i >= 0; i-- {
		msg := m.messages[i]
		if (msg.SenderID == a && msg.ReceiverID == b) || (msg.SenderID == b && msg.ReceiverID == a) {
			copied := *msg
			out = append(out, &copied)
		}
	}
	if offset >= len(out) {
		return []*types.Message{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) HealthCheck(context.Context) error { return nil }
func (m *memoryRepo) Close() error                      { return nil }

func (m *memoryRepo) storedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// memoryBlobs is an in-memory BlobStore with failure injection
type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	seq     int
	putErr  error

	// when set, Put signals entered and then waits for release
	entered chan struct{}
	release chan struct{}
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: make(map[string][]byte)}
}

func (b *memoryBlobs) Put(_ context.Context, name string, data []byte) (string, error) {
	if b.release != nil {
		b.entered <- struct{}{}
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return "", b.putErr
	}
	b.seq++
	locator := fmt.Sprintf("/uploads/%d-%s", b.seq, name)
	b.objects[locator] = data
	return locator, nil
}

func (b *memoryBlobs) Delete(_ context.Context, locator string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, locator)
	return nil
}

func (b *memoryBlobs) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// recordingMirror captures published presence
type recordingMirror struct {
	mu     sync.Mutex
	states []types.Presence
	err    error
}

func (m *recordingMirror) Publish(_ context.Context, p types.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, p)
	return m.err
}

func (m *recordingMirror) Close() error { return nil }

func (m *recordingMirror) published() []types.Presence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Presence(nil), m.states...)
}

var errDiskFull = errors.New("disk full")
