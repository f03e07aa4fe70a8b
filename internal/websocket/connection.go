package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relay/pkg/interfaces"
)

// Default transport settings
const (
	DefaultWriteBuffer  = 100
	DefaultWriteTimeout = 5 * time.Second
)

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn         *websocket.Conn
	id           string
	userID       int64
	connectedAt  time.Time
	writeCh      chan []byte // FUNCTIONAL DISCOVERY: Buffer absorbs bursts of fan-out without blocking the router
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps an upgraded socket for an authenticated user
func NewConnection(conn *websocket.Conn, userID int64, writeBuffer int, writeTimeout time.Duration) *Connection {
	if writeBuffer <= 0 {
		writeBuffer = DefaultWriteBuffer
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		id:           uuid.NewString(),
		userID:       userID,
		connectedAt:  time.Now(),
		writeCh:      make(chan []byte, writeBuffer),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	// Start the single writer goroutine
	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races and keeps
// frames in the order they were queued
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Write to connection %s (user %d) failed: %v", c.id, c.userID, err)
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// GetID returns the unique id of this session
func (c *Connection) GetID() string {
	return c.id
}

// GetUserID returns the authenticated user
func (c *Connection) GetUserID() int64 {
	return c.userID
}

// GetConnectedAt returns when the session was established
func (c *Connection) GetConnectedAt() time.Time {
	return c.connectedAt
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// WriteJSON marshals v and queues it for delivery
func (c *Connection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.WriteRaw(data)
}

// WriteRaw queues an encoded frame; the slice must not be modified afterwards
func (c *Connection) WriteRaw(data []byte) error {
	// Check if connection is closed
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer and closes the socket; safe to call repeatedly
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
