package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Authenticator resolves the caller of an upgrade request
type Authenticator interface {
	Authenticate(r *http.Request) (*types.AuthResult, error)
}

// UserLookup confirms an authenticated user still exists
type UserLookup interface {
	GetUser(ctx context.Context, userID int64) (*types.User, error)
}

// Dispatcher accepts raw inbound frames for processing
type Dispatcher interface {
	Submit(conn interfaces.Connection, frame []byte) error
}

// Options tunes the transport
type Options struct {
	AllowedOrigins []string
	ReadLimit      int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteBuffer    int
	WriteTimeout   time.Duration
}

// DefaultOptions returns the transport defaults
func DefaultOptions() Options {
	return Options{
		ReadLimit:    16 << 20,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteBuffer:  DefaultWriteBuffer,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Handler upgrades authenticated requests and pumps frames between socket and router
// ARCHITECTURAL DISCOVERY: Multi-stage validation (auth -> user lookup -> upgrade -> register)
// prevents invalid connections from consuming resources
type Handler struct {
	auth       Authenticator
	users      UserLookup
	router     interfaces.MessageRouter
	dispatcher Dispatcher
	opts       Options
	upgrader   websocket.Upgrader
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(auth Authenticator, users UserLookup, router interfaces.MessageRouter, dispatcher Dispatcher, opts Options) *Handler {
	defaults := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongWait <= opts.PingInterval {
		opts.PongWait = 2 * opts.PingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaults.ReadLimit
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}

	h := &Handler{
		auth:       auth,
		users:      users,
		router:     router,
		dispatcher: dispatcher,
		opts:       opts,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin allows requests without an Origin header (non-browser clients) and
// browser requests from a configured origin
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket handles WebSocket connection requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	authResult, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := h.users.GetUser(r.Context(), authResult.UserID); err != nil {
		if errors.Is(err, types.ErrUserNotFound) {
			http.Error(w, ErrUnknownUser.Error(), http.StatusUnauthorized)
			return
		}
		log.Printf("User lookup for %d failed: %v", authResult.UserID, err)
		http.Error(w, "User lookup failed", http.StatusInternalServerError)
		return
	}

	// FUNCTIONAL DISCOVERY: WebSocket upgrade after validation prevents resource waste
	// on invalid requests while providing proper HTTP error responses
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(ws, authResult.UserID, h.opts.WriteBuffer, h.opts.WriteTimeout)

	if err := h.router.OnConnect(context.Background(), conn); err != nil {
		log.Printf("Failed to register connection for user %d: %v", authResult.UserID, err)
		_ = conn.Close()
		return
	}

	log.Printf("User %d connected (connection %s)", conn.GetUserID(), conn.GetID())

	go h.handleConnection(conn)
}

// handleConnection runs the read pump and heartbeat until the socket goes away
// ARCHITECTURAL DISCOVERY: Single goroutine per connection handles message reading,
// a ticker goroutine handles pings
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		// FUNCTIONAL DISCOVERY: Deferred cleanup ensures resources are released
		// even if connection handling exits unexpectedly
		h.router.OnDisconnect(context.Background(), conn)
		_ = conn.Close()
		log.Printf("User %d disconnected (connection %s)", conn.GetUserID(), conn.GetID())
	}()

	ws := conn.conn

	// TECHNICAL DISCOVERY: Read deadline of PongWait with pings every PingInterval
	// detects dead peers without application traffic
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := h.readFrame(ws)
		if errors.Is(err, ErrFrameTooLarge) {
			log.Printf("Rejected oversized frame from user %d", conn.GetUserID())
			h.rejectFrame(conn, err)
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error for user %d: %v", conn.GetUserID(), err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		if err := h.dispatcher.Submit(conn, data); err != nil {
			log.Printf("Dropped frame from user %d: %v", conn.GetUserID(), err)
		}
	}
}

// readFrame reads one message of at most ReadLimit bytes
// TECHNICAL DISCOVERY: gorilla's SetReadLimit closes the socket with 1009, so the
// limit is enforced here instead; the unread rest of an oversized message is
// discarded by the next NextReader call and the connection stays usable
func (h *Handler) readFrame(ws *websocket.Conn) (int, []byte, error) {
	messageType, r, err := ws.NextReader()
	if err != nil {
		return messageType, nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, h.opts.ReadLimit+1))
	if err != nil {
		return messageType, nil, err
	}
	if int64(len(data)) > h.opts.ReadLimit {
		return messageType, nil, fmt.Errorf("%w: more than %d bytes", ErrFrameTooLarge, h.opts.ReadLimit)
	}
	return messageType, data, nil
}

// rejectFrame acks a frame that never reached the hub
func (h *Handler) rejectFrame(conn *Connection, err error) {
	ack := types.OutboundEvent{
		Event: types.EventAck,
		Data:  types.NewAck(nil, fmt.Errorf("%w: %w", types.ErrValidation, err)),
	}
	if writeErr := conn.WriteJSON(ack); writeErr != nil {
		log.Printf("Failed to ack user %d: %v", conn.GetUserID(), writeErr)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
