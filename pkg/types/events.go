package types

import (
	"encoding/json"
	"fmt"
)

// Inbound event names as sent by clients
const (
	EventSendMessage        = "sendMessage"
	EventUploadFile         = "uploadFile"
	EventTyping             = "typing"
	EventStopTyping         = "stopTyping"
	EventMarkMessagesAsRead = "markMessagesAsRead"
)

// Outbound event names delivered to clients
const (
	EventNewMessage        = "newMessage"
	EventUserTyping        = "userTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventMessagesRead      = "messagesRead"
	EventAck               = "ack"
)

// InboundEvent is the envelope every client frame is decoded into
// ARCHITECTURAL DISCOVERY: Event name selects the payload type, Decode turns the raw
// data into exactly one of the typed payloads below
type InboundEvent struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId,omitempty"`
}

// SendMessagePayload is the data of a sendMessage event
type SendMessagePayload struct {
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// FilePayload carries an uploaded file; Data is base64 on the wire
type FilePayload struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// UploadFilePayload is the data of an uploadFile event
type UploadFilePayload struct {
	SenderID   int64        `json:"senderId"`
	ReceiverID int64        `json:"receiverId"`
	Content    string       `json:"content,omitempty"`
	File       *FilePayload `json:"file"`
}

// TypingPayload is the data of typing and stopTyping events
type TypingPayload struct {
	SenderID   int64 `json:"senderId"`
	ReceiverID int64 `json:"receiverId"`
}

// MarkReadPayload is the data of a markMessagesAsRead event.
// SenderID is the user whose messages are being read, ReceiverID is the reader.
type MarkReadPayload struct {
	SenderID   int64 `json:"senderId"`
	ReceiverID int64 `json:"receiverId"`
}

// Decode parses the event data into the payload type matching the event name
func (e *InboundEvent) Decode() (interface{}, error) {
	var payload interface{}
	switch e.Event {
	case EventSendMessage:
		payload = &SendMessagePayload{}
	case EventUploadFile:
		payload = &UploadFilePayload{}
	case EventTyping, EventStopTyping:
		payload = &TypingPayload{}
	case EventMarkMessagesAsRead:
		payload = &MarkReadPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrValidation, e.Event)
	}

	if len(e.Data) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", ErrValidation, e.Event)
	}
	if err := json.Unmarshal(e.Data, payload); err != nil {
		return nil, fmt.Errorf("%w: malformed %s payload: %v", ErrValidation, e.Event, err)
	}
	return payload, nil
}

// OutboundEvent is the envelope every server frame is encoded as
type OutboundEvent struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"requestId,omitempty"`
}

// UserEvent is the data of userTyping and userStoppedTyping
type UserEvent struct {
	UserID int64 `json:"userId"`
}

// MessagesReadEvent is the data of messagesRead
type MessagesReadEvent struct {
	ReadBy int64 `json:"readBy"`
}

// Ack answers a request/response style event
type Ack struct {
	Success bool     `json:"success"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
	Code    string   `json:"code,omitempty"`
}

// NewAck builds the ack for a finished request, success when err is nil
func NewAck(message *Message, err error) *Ack {
	if err != nil {
		return &Ack{
			Success: false,
			Error:   err.Error(),
			Code:    ErrorCode(err),
		}
	}
	return &Ack{Success: true, Message: message}
}
