package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

const (
	// DefaultQueueSize buffers inbound frames during bursts
	DefaultQueueSize = 1000
	// DefaultMaintenanceInterval is how often router housekeeping runs
	DefaultMaintenanceInterval = time.Minute
)

// maintainer is implemented by routers that keep expiring state (rate limiter windows)
type maintainer interface {
	Cleanup()
}

// Hub decodes inbound frames and dispatches them to the router
// ARCHITECTURAL DISCOVERY: Central coordination point for all inbound events
// maintains clean separation between WebSocket handling and message routing
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channel prevents blocking read pumps during message bursts
	messageChannel  chan *FrameContext
	shutdownChannel chan struct{}
	done            chan struct{}

	router              interfaces.MessageRouter
	maintenanceInterval time.Duration

	// uploads run off the loop so a slow disk never stalls other events
	uploads sync.WaitGroup

	running bool
	mu      sync.RWMutex
}

// FrameContext wraps a raw client frame with the connection it arrived on
// FUNCTIONAL DISCOVERY: Identity always comes from the connection, never from the payload
type FrameContext struct {
	Conn       interfaces.Connection
	Frame      []byte
	ReceivedAt time.Time
}

// NewHub creates a new hub around router
func NewHub(router interfaces.MessageRouter) *Hub {
	return &Hub{
		messageChannel:      make(chan *FrameContext, DefaultQueueSize),
		shutdownChannel:     make(chan struct{}),
		done:                make(chan struct{}),
		router:              router,
		maintenanceInterval: DefaultMaintenanceInterval,
	}
}

// Start begins hub processing
// FUNCTIONAL DISCOVERY: Single hub goroutine keeps fire-and-forget events in arrival order
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	log.Println("Starting message hub...")
	go h.run(ctx)

	return nil
}

// Stop shuts down the hub and waits for the loop and in-flight uploads to finish
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false

	log.Println("Stopping message hub...")

	// TECHNICAL DISCOVERY: Safe channel close using select to prevent panic
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	h.mu.Unlock()

	<-h.done
	h.uploads.Wait()
	return nil
}

// Submit queues a frame read from conn
// TECHNICAL DISCOVERY: Non-blocking send with error handling prevents read pump lockup
func (h *Hub) Submit(conn interfaces.Connection, frame []byte) error {
	if conn == nil {
		return ErrNilConnection
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.messageChannel <- &FrameContext{Conn: conn, Frame: frame, ReceivedAt: time.Now()}:
		return nil
	default:
		return ErrMessageChannelFull
	}
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer log.Println("Hub processing stopped")

	ticker := time.NewTicker(h.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-h.messageChannel:
			// FUNCTIONAL DISCOVERY: Processing continues despite individual failures
			h.dispatch(ctx, frame)

		case <-ticker.C:
			if m, ok := h.router.(maintainer); ok {
				m.Cleanup()
			}

		case <-h.shutdownChannel:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}

// dispatch decodes one frame into its typed payload and invokes the router
func (h *Hub) dispatch(ctx context.Context, fc *FrameContext) {
	var envelope types.InboundEvent
	if err := json.Unmarshal(fc.Frame, &envelope); err != nil {
		log.Printf("Dropping malformed frame from user %d: %v", fc.Conn.GetUserID(), err)
		return
	}

	payload, err := envelope.Decode()
	if err != nil {
		log.Printf("Rejected %s event from user %d: %v", envelope.Event, fc.Conn.GetUserID(), err)
		if wantsAck(&envelope) {
			h.reply(fc.Conn, envelope.RequestID, nil, err)
		}
		return
	}

	userID := fc.Conn.GetUserID()

	switch p := payload.(type) {
	case *types.SendMessagePayload:
		var message *types.Message
		err := checkIdentity(userID, p.SenderID)
		if err == nil {
			message, err = h.router.SendMessage(ctx, p.SenderID, p.ReceiverID, p.Content)
		}
		h.finish(fc.Conn, &envelope, message, err)

	case *types.UploadFilePayload:
		if err := checkIdentity(userID, p.SenderID); err != nil {
			h.finish(fc.Conn, &envelope, nil, err)
			return
		}
		h.uploads.Add(1)
		go func() {
			defer h.uploads.Done()
			message, err := h.router.UploadFile(ctx, uploadRequest(p))
			h.finish(fc.Conn, &envelope, message, err)
		}()

	case *types.TypingPayload:
		err := checkIdentity(userID, p.SenderID)
		if err == nil {
			err = h.router.SetTyping(p.SenderID, p.ReceiverID, envelope.Event == types.EventTyping)
		}
		h.finish(fc.Conn, &envelope, nil, err)

	case *types.MarkReadPayload:
		// The reader is the receiver of the messages being marked
		err := checkIdentity(userID, p.ReceiverID)
		if err == nil {
			_, err = h.router.MarkRead(ctx, p.ReceiverID, p.SenderID)
		}
		h.finish(fc.Conn, &envelope, nil, err)
	}
}

// finish logs failures and acks when the event expects one
func (h *Hub) finish(conn interfaces.Connection, envelope *types.InboundEvent, message *types.Message, err error) {
	if err != nil {
		log.Printf("%s from user %d failed: code=%s err=%v",
			envelope.Event, conn.GetUserID(), types.ErrorCode(err), err)
	}
	if wantsAck(envelope) {
		h.reply(conn, envelope.RequestID, message, err)
	}
}

// reply writes an ack back to the originating connection
func (h *Hub) reply(conn interfaces.Connection, requestID string, message *types.Message, err error) {
	ack := types.OutboundEvent{
		Event:     types.EventAck,
		Data:      types.NewAck(message, err),
		RequestID: requestID,
	}
	if writeErr := conn.WriteJSON(ack); writeErr != nil {
		log.Printf("Failed to ack user %d: %v", conn.GetUserID(), writeErr)
	}
}

// wantsAck reports whether the client expects an ack for this event.
// uploadFile always acks; other events ack only when a requestId was supplied.
func wantsAck(envelope *types.InboundEvent) bool {
	return envelope.Event == types.EventUploadFile || envelope.RequestID != ""
}

func checkIdentity(connUserID, claimed int64) error {
	if connUserID != claimed {
		return fmt.Errorf("%w: payload user %d does not match connection user %d",
			types.ErrValidation, claimed, connUserID)
	}
	return nil
}

func uploadRequest(p *types.UploadFilePayload) interfaces.UploadRequest {
	req := interfaces.UploadRequest{
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Content:    p.Content,
	}
	if p.File != nil {
		req.FileName = p.File.Name
		req.MimeType = p.File.Type
		req.Data = p.File.Data
	}
	return req
}
