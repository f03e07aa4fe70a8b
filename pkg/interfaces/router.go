package interfaces

import (
	"context"

	"relay/pkg/types"
)

// UploadRequest is one media upload from a sender to a receiver
type UploadRequest struct {
	SenderID   int64
	ReceiverID int64
	Content    string
	FileName   string
	MimeType   string
	Data       []byte
}

// MessageRouter is the real-time routing core
// ARCHITECTURAL DISCOVERY: Transport code only ever talks to this interface, which keeps
// the hub and the WebSocket handler testable without a database
type MessageRouter interface {
	OnConnect(ctx context.Context, conn Connection) error
	OnDisconnect(ctx context.Context, conn Connection)

	SendMessage(ctx context.Context, senderID, receiverID int64, content string) (*types.Message, error)
	UploadFile(ctx context.Context, req UploadRequest) (*types.Message, error)
	SetTyping(senderID, receiverID int64, isTyping bool) error
	MarkRead(ctx context.Context, readerID, otherUserID int64) (int64, error)

	FetchHistory(ctx context.Context, userA, userB int64, limit, offset int) ([]*types.Message, error)
	ListUsers(ctx context.Context, excluding int64) ([]*types.User, error)
}
