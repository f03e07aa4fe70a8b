package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"relay/internal/presence"
	"relay/internal/typing"
	"relay/internal/websocket"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Options tunes routing limits
type Options struct {
	TypingTimeout       time.Duration
	RateLimit           int
	MaxContentBytes     int
	MaxUploadBytes      int
	DefaultHistoryLimit int
	MaxHistoryLimit     int
}

// DefaultOptions returns the routing defaults
func DefaultOptions() Options {
	return Options{
		TypingTimeout:       typing.DefaultTimeout,
		RateLimit:           DefaultRateLimit,
		MaxContentBytes:     types.MaxContentBytes,
		MaxUploadBytes:      10 << 20,
		DefaultHistoryLimit: 20,
		MaxHistoryLimit:     100,
	}
}

type pairKey struct {
	sender   int64
	receiver int64
}

// Router implements the MessageRouter interface
// ARCHITECTURAL DISCOVERY: The router owns the connection registry, presence table and
// typing tracker; transport code reaches them only through router operations
type Router struct {
	registry    *websocket.Registry
	presence    *presence.Table
	typing      *typing.Tracker
	repo        interfaces.Repository
	blobs       interfaces.BlobStore
	mirror      presence.Mirror
	rateLimiter *RateLimiter
	opts        Options

	userLocks *keyedMutex[int64]
	pairLocks *keyedMutex[pairKey]

	closeOnce sync.Once
	closed    atomic.Bool
}

var _ interfaces.MessageRouter = (*Router)(nil)

// NewRouter creates a new message router
// FUNCTIONAL DISCOVERY: Dependency injection enables testing with mock components
func NewRouter(registry *websocket.Registry, repo interfaces.Repository, blobs interfaces.BlobStore, mirror presence.Mirror, opts Options) *Router {
	defaults := DefaultOptions()
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = defaults.MaxContentBytes
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaults.MaxUploadBytes
	}
	if opts.DefaultHistoryLimit <= 0 {
		opts.DefaultHistoryLimit = defaults.DefaultHistoryLimit
	}
	if opts.MaxHistoryLimit < opts.DefaultHistoryLimit {
		opts.MaxHistoryLimit = defaults.MaxHistoryLimit
	}
	if mirror == nil {
		mirror = presence.NopMirror{}
	}

	r := &Router{
		registry:    registry,
		presence:    presence.NewTable(),
		repo:        repo,
		blobs:       blobs,
		mirror:      mirror,
		rateLimiter: NewRateLimiter(opts.RateLimit, time.Minute),
		opts:        opts,
		userLocks:   newKeyedMutex[int64](),
		pairLocks:   newKeyedMutex[pairKey](),
	}
	r.typing = typing.NewTracker(opts.TypingTimeout, r.typingExpired)
	return r
}

// OnConnect registers a live connection and marks its user online
func (r *Router) OnConnect(ctx context.Context, conn interfaces.Connection) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}

	userID := conn.GetUserID()
	unlock := r.userLocks.Lock(userID)
	defer unlock()

	count, err := r.registry.Add(conn)
	if err != nil {
		return err
	}

	state := r.presence.SetOnline(userID, time.Now().UTC())
	r.persistPresence(ctx, state)

	log.Printf("Connection registered: user=%d conn=%s sessions=%d", userID, conn.GetID(), count)
	return nil
}

// OnDisconnect unregisters a connection; the user goes offline when it was their last one
// FUNCTIONAL DISCOVERY: Duplicate disconnect signals for the same handle are no-ops
func (r *Router) OnDisconnect(ctx context.Context, conn interfaces.Connection) {
	userID := conn.GetUserID()
	unlock := r.userLocks.Lock(userID)
	defer unlock()

	removed, remaining := r.registry.Remove(conn)
	if !removed {
		return
	}
	log.Printf("Connection deregistered: user=%d conn=%s sessions=%d", userID, conn.GetID(), remaining)
	if remaining > 0 {
		return
	}

	state := r.presence.SetOffline(userID, time.Now().UTC())
	r.persistPresence(ctx, state)

	// A user with no connections cannot keep typing
	for _, receiverID := range r.typing.CancelSender(userID) {
		r.deliver(receiverID, types.EventUserStoppedTyping, types.UserEvent{UserID: userID})
	}
}

// persistPresence writes presence through to the repository and the mirror.
// Failures are logged; the in-memory table stays authoritative.
func (r *Router) persistPresence(ctx context.Context, state types.Presence) {
	if err := r.repo.UpdatePresence(ctx, state.UserID, state.Online, state.LastSeen); err != nil {
		log.Printf("Presence write-through failed for user %d: %v", state.UserID, err)
	}
	if err := r.mirror.Publish(ctx, state); err != nil {
		log.Printf("Presence mirror failed for user %d: %v", state.UserID, err)
	}
}

// SendMessage persists a text message and delivers it to the receiver's live connections
// FUNCTIONAL DISCOVERY: Persist-then-route pattern ensures no client ever sees a message
// that is missing from history
func (r *Router) SendMessage(ctx context.Context, senderID, receiverID int64, content string) (*types.Message, error) {
	if r.closed.Load() {
		return nil, ErrRouterClosed
	}
	message := &types.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	}
	if err := message.Validate(r.opts.MaxContentBytes); err != nil {
		return nil, err
	}

	// TECHNICAL DISCOVERY: Rate limiting applied per user before persistence to prevent spam
	if !r.rateLimiter.Allow(senderID) {
		return nil, fmt.Errorf("%w: user %d", types.ErrRateLimited, senderID)
	}

	// ARCHITECTURAL DISCOVERY: Holding the pair lock across persist and fan-out makes
	// delivery order equal commit order for each sender/receiver pair
	unlock := r.pairLocks.Lock(pairKey{senderID, receiverID})
	defer unlock()

	if err := r.repo.StoreMessage(ctx, message); err != nil {
		return nil, err
	}

	r.deliver(receiverID, types.EventNewMessage, message)
	return message, nil
}

// UploadFile stores media, persists a message referencing it and delivers it
func (r *Router) UploadFile(ctx context.Context, req interfaces.UploadRequest) (*types.Message, error) {
	if r.closed.Load() {
		return nil, ErrRouterClosed
	}
	if !types.IsValidUserID(req.SenderID) || !types.IsValidUserID(req.ReceiverID) {
		return nil, fmt.Errorf("%w: invalid sender or receiver id", types.ErrValidation)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: upload requires a non-empty file", types.ErrValidation)
	}
	if len(req.Data) > r.opts.MaxUploadBytes {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", types.ErrValidation, r.opts.MaxUploadBytes)
	}
	if len(req.Content) > r.opts.MaxContentBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", types.ErrValidation, r.opts.MaxContentBytes)
	}

	if !r.rateLimiter.Allow(req.SenderID) {
		return nil, fmt.Errorf("%w: user %d", types.ErrRateLimited, req.SenderID)
	}

	// ARCHITECTURAL DISCOVERY: The blob write happens before the pair lock so a slow
	// disk never blocks text messages for the same pair
	locator, err := r.blobs.Put(ctx, req.FileName, req.Data)
	if err != nil {
		if !errors.Is(err, types.ErrBlobStore) {
			err = fmt.Errorf("%w: %v", types.ErrBlobStore, err)
		}
		return nil, err
	}

	// FUNCTIONAL DISCOVERY: Media type comes from the claimed MIME type, not the bytes
	mediaType := types.ClassifyMediaType(req.MimeType)
	message := &types.Message{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		MediaURL:   &locator,
		MediaType:  &mediaType,
	}

	unlock := r.pairLocks.Lock(pairKey{req.SenderID, req.ReceiverID})
	defer unlock()

	if err := r.repo.StoreMessage(ctx, message); err != nil {
		// Nothing references the blob yet, drop it
		if delErr := r.blobs.Delete(context.Background(), locator); delErr != nil {
			log.Printf("Failed to remove orphaned upload %s: %v", locator, delErr)
		}
		return nil, err
	}

	r.deliver(req.ReceiverID, types.EventNewMessage, message)
	return message, nil
}

// SetTyping records a typing transition and notifies the receiver
func (r *Router) SetTyping(senderID, receiverID int64, isTyping bool) error {
	if r.closed.Load() {
		return ErrRouterClosed
	}
	if !types.IsValidUserID(senderID) || !types.IsValidUserID(receiverID) {
		return fmt.Errorf("%w: invalid sender or receiver id", types.ErrValidation)
	}

	if isTyping {
		r.typing.Start(senderID, receiverID)
		r.deliver(receiverID, types.EventUserTyping, types.UserEvent{UserID: senderID})
		return nil
	}

	r.typing.Stop(senderID, receiverID)
	r.deliver(receiverID, types.EventUserStoppedTyping, types.UserEvent{UserID: senderID})
	return nil
}

// typingExpired synthesizes the stop transition when the debounce timer fires
func (r *Router) typingExpired(senderID, receiverID int64) {
	r.deliver(receiverID, types.EventUserStoppedTyping, types.UserEvent{UserID: senderID})
}

// MarkRead marks every unread message from otherUserID to readerID as read and
// notifies otherUserID
// FUNCTIONAL DISCOVERY: The receipt is sent even when nothing changed
func (r *Router) MarkRead(ctx context.Context, readerID, otherUserID int64) (int64, error) {
	if !types.IsValidUserID(readerID) || !types.IsValidUserID(otherUserID) {
		return 0, fmt.Errorf("%w: invalid reader or sender id", types.ErrValidation)
	}

	changed, err := r.repo.MarkRead(ctx, otherUserID, readerID)
	if err != nil {
		return 0, err
	}

	r.deliver(otherUserID, types.EventMessagesRead, types.MessagesReadEvent{ReadBy: readerID})
	return changed, nil
}

// FetchHistory returns one page of the conversation between two users, newest first
func (r *Router) FetchHistory(ctx context.Context, userA, userB int64, limit, offset int) ([]*types.Message, error) {
	if !types.IsValidUserID(userA) || !types.IsValidUserID(userB) {
		return nil, fmt.Errorf("%w: invalid user id", types.ErrValidation)
	}
	if limit <= 0 {
		limit = r.opts.DefaultHistoryLimit
	}
	if limit > r.opts.MaxHistoryLimit {
		limit = r.opts.MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return r.repo.GetConversation(ctx, userA, userB, limit, offset)
}

// ListUsers returns every user except excluding with live presence applied
func (r *Router) ListUsers(ctx context.Context, excluding int64) ([]*types.User, error) {
	users, err := r.repo.ListUsers(ctx, excluding)
	if err != nil {
		return nil, err
	}
	r.presence.Overlay(users)
	return users, nil
}

// deliver encodes an event once and writes the same bytes to every live connection
// of userID. It returns the number of successful deliveries.
// ARCHITECTURAL DISCOVERY: Delivery failures are local; a closed or slow connection
// never fails the operation that produced the event
func (r *Router) deliver(userID int64, event string, data interface{}) int {
	conns := r.registry.Connections(userID)
	if len(conns) == 0 {
		return 0
	}

	payload, err := json.Marshal(types.OutboundEvent{Event: event, Data: data})
	if err != nil {
		log.Printf("Failed to encode %s for user %d: %v", event, userID, err)
		return 0
	}

	delivered := 0
	for _, conn := range conns {
		if err := conn.WriteRaw(payload); err != nil {
			log.Printf("%v: %s to user %d conn %s: %v", types.ErrDelivery, event, userID, conn.GetID(), err)
			continue
		}
		delivered++
	}
	return delivered
}

// Cleanup drops idle rate limiter state (call periodically)
func (r *Router) Cleanup() {
	r.rateLimiter.Cleanup()
}

// Stats reports live routing state for health checks
func (r *Router) Stats() map[string]int {
	stats := r.registry.GetStats()
	stats["online_users"] = r.presence.OnlineCount()
	stats["typing_pairs"] = r.typing.Pending()
	return stats
}

// Presence returns the live presence of userID
func (r *Router) Presence(userID int64) (types.Presence, bool) {
	return r.presence.Get(userID)
}

// Close rejects further writes and cancels every pending typing timer
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.typing.Close()
	})
}
