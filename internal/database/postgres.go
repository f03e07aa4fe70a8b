package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

//go:embed postgres_schema.sql
var postgresSchema string

// PostgreSQL error codes mapped onto the relay error taxonomy
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements interfaces.Repository on a pgx connection pool
type PostgresStore struct {
	pool *pgxpool.Pool

	// tsMu serializes message inserts so timestamps never go backwards
	tsMu          sync.Mutex
	lastTimestamp time.Time
}

var _ interfaces.Repository = (*PostgresStore)(nil)

// ConnectPostgres creates a pgx pool from dsn and verifies it with a ping
func ConnectPostgres(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = 60 * time.Minute
	}
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return pool, nil
}

// NewPostgresStore wraps an existing pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables and indexes when they do not exist yet
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// CreateUser inserts a new account
func (s *PostgresStore) CreateUser(ctx context.Context, user *types.User, passwordHash string) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (username, email, password_hash, is_online, last_seen)
		VALUES ($1, $2, $3, FALSE, NOW())
		RETURNING id, is_online, last_seen
	`, user.Username, user.Email, passwordHash).Scan(&user.ID, &user.IsOnline, &user.LastSeen)
	if err != nil {
		return classifyPgError("insert user", err)
	}
	return nil
}

// GetUser retrieves a user by id
func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, email, is_online, last_seen FROM users WHERE id = $1
	`, userID)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", types.ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("%w: query user: %v", types.ErrPersistence, err)
	}
	return user, nil
}

// GetCredentials retrieves a user and password hash by email
func (s *PostgresStore) GetCredentials(ctx context.Context, email string) (*types.User, string, error) {
	var user types.User
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, email, is_online, last_seen, password_hash FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.Username, &user.Email, &user.IsOnline, &user.LastSeen, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", fmt.Errorf("%w: email %s", types.ErrUserNotFound, email)
		}
		return nil, "", fmt.Errorf("%w: query credentials: %v", types.ErrPersistence, err)
	}
	return &user, hash, nil
}

// ListUsers returns every user except excluding
func (s *PostgresStore) ListUsers(ctx context.Context, excluding int64) ([]*types.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, email, is_online, last_seen FROM users WHERE id <> $1 ORDER BY id ASC
	`, excluding)
	if err != nil {
		return nil, fmt.Errorf("%w: query users: %v", types.ErrPersistence, err)
	}
	defer rows.Close()

	users := []*types.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan user row: %v", types.ErrPersistence, err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate user rows: %v", types.ErrPersistence, err)
	}
	return users, nil
}

// UpdatePresence stores a user's online flag and last-seen time
func (s *PostgresStore) UpdatePresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET is_online = $1, last_seen = $2 WHERE id = $3
	`, online, lastSeen.UTC(), userID)
	if err != nil {
		return classifyPgError("update presence", err)
	}
	return nil
}

// ResetPresence marks every user offline
func (s *PostgresStore) ResetPresence(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `UPDATE users SET is_online = FALSE WHERE is_online`); err != nil {
		return classifyPgError("reset presence", err)
	}
	return nil
}

// StoreMessage inserts a message and assigns its id and timestamp
func (s *PostgresStore) StoreMessage(ctx context.Context, message *types.Message) error {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	timestamp := time.Now().UTC()
	if timestamp.Before(s.lastTimestamp) {
		timestamp = s.lastTimestamp
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (sender_id, receiver_id, content, timestamp, is_read, media_url, media_type)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6)
		RETURNING id
	`, message.SenderID, message.ReceiverID, message.Content, timestamp, message.MediaURL, message.MediaType).Scan(&id)
	if err != nil {
		return classifyPgError("insert message", err)
	}

	s.lastTimestamp = timestamp
	message.ID = id
	message.Timestamp = timestamp
	message.IsRead = false
	return nil
}

// MarkRead flips every unread message from sender to receiver
func (s *PostgresStore) MarkRead(ctx context.Context, senderID, receiverID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE sender_id = $1 AND receiver_id = $2 AND is_read = FALSE
	`, senderID, receiverID)
	if err != nil {
		return 0, classifyPgError("mark read", err)
	}
	return tag.RowsAffected(), nil
}

// GetConversation returns one page of the conversation between two users, newest first
func (s *PostgresStore) GetConversation(ctx context.Context, userA, userB int64, limit, offset int) ([]*types.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_id, receiver_id, content, timestamp, is_read, media_url, media_type
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY timestamp DESC, id DESC
		LIMIT $3 OFFSET $4
	`, userA, userB, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: query conversation: %v", types.ErrPersistence, err)
	}
	defer rows.Close()

	messages := []*types.Message{}
	for rows.Next() {
		var message types.Message
		if err := rows.Scan(
			&message.ID,
			&message.SenderID,
			&message.ReceiverID,
			&message.Content,
			&message.Timestamp,
			&message.IsRead,
			&message.MediaURL,
			&message.MediaType,
		); err != nil {
			return nil, fmt.Errorf("%w: scan message row: %v", types.ErrPersistence, err)
		}
		messages = append(messages, &message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate message rows: %v", types.ErrPersistence, err)
	}
	return messages, nil
}

// HealthCheck pings the pool
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func classifyPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %w: %s: sender or receiver does not exist", types.ErrPersistence, types.ErrUserNotFound, op)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", types.ErrConflict, op)
		}
	}
	return fmt.Errorf("%w: %s: %v", types.ErrPersistence, op, err)
}

// normalizeDSN converts driver-suffixed URLs found in .env files to plain postgres URLs
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	for _, prefix := range []string{"postgresql+asyncpg://", "postgresql+pgx://"} {
		s = strings.Replace(s, prefix, "postgresql://", 1)
	}
	for _, prefix := range []string{"postgres+asyncpg://", "postgres+pgx://"} {
		s = strings.Replace(s, prefix, "postgres://", 1)
	}
	return s
}
