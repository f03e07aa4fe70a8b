package types

import (
	"strings"
	"time"
)

// Media types a message attachment is classified as
// FUNCTIONAL DISCOVERY: Classification is binary, anything not image/* is treated as video
const (
	MediaTypeImage = "image"
	MediaTypeVideo = "video"
)

// User represents a registered account
// ARCHITECTURAL DISCOVERY: Password hash never travels on this struct; the repository
// keeps it separate so users can be serialized to clients directly
type User struct {
	ID       int64     `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// Message represents one direct message between two users
// FUNCTIONAL DISCOVERY: ID and Timestamp are assigned by the repository at insert time.
// IsRead only ever moves from false to true.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"isRead"`
	MediaURL   *string   `json:"mediaUrl"`
	MediaType  *string   `json:"mediaType"`
}

// HasMedia reports whether the message carries an attachment
func (m *Message) HasMedia() bool {
	return m.MediaURL != nil && *m.MediaURL != ""
}

// ClassifyMediaType maps a claimed MIME type to a message media type.
// The claimed type is not checked against the bytes.
func ClassifyMediaType(mimeType string) string {
	if strings.HasPrefix(mimeType, "image/") {
		return MediaTypeImage
	}
	return MediaTypeVideo
}

// AuthResult is what the transport learns about an authenticated caller
type AuthResult struct {
	UserID int64
}

// Presence is the online state of one user
type Presence struct {
	UserID   int64     `json:"userId"`
	Online   bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}
