package interfaces

import (
	"context"
	"time"

	"relay/pkg/types"
)

// UserRepository persists accounts and their last known presence
type UserRepository interface {
	// CreateUser inserts a user and assigns user.ID
	// FUNCTIONAL DISCOVERY: Duplicate username or email surfaces as types.ErrConflict
	CreateUser(ctx context.Context, user *types.User, passwordHash string) error

	// GetUser returns types.ErrUserNotFound when no row exists
	GetUser(ctx context.Context, userID int64) (*types.User, error)

	// GetCredentials looks a user up by email and returns the stored password hash
	GetCredentials(ctx context.Context, email string) (*types.User, string, error)

	// ListUsers returns every user except excluding (0 excludes nobody), ordered by id
	ListUsers(ctx context.Context, excluding int64) ([]*types.User, error)

	// UpdatePresence stores the online flag and last-seen time of a user
	UpdatePresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error

	// ResetPresence marks every user offline, used at process start
	ResetPresence(ctx context.Context) error
}

// MessageRepository persists direct messages
type MessageRepository interface {
	// StoreMessage inserts a message, assigning ID and a non-decreasing Timestamp
	// ARCHITECTURAL DISCOVERY: Unknown sender or receiver is a foreign key violation and
	// surfaces as types.ErrPersistence wrapping types.ErrUserNotFound
	StoreMessage(ctx context.Context, message *types.Message) error

	// MarkRead flips isRead for every unread message sender -> receiver and returns
	// the number of rows changed
	MarkRead(ctx context.Context, senderID, receiverID int64) (int64, error)

	// GetConversation returns the messages exchanged between two users, newest first
	GetConversation(ctx context.Context, userA, userB int64, limit, offset int) ([]*types.Message, error)
}

// Repository is the complete persistence boundary used by the relay
type Repository interface {
	UserRepository
	MessageRepository

	// HealthCheck verifies connectivity with the backing store
	HealthCheck(ctx context.Context) error

	// Close releases the store's resources
	Close() error
}
