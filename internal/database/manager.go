package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "relay/pkg/database"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// retryDelay is how long the writer waits before retrying a write that hit a locked database
var retryDelay = 500 * time.Millisecond

// Manager implements interfaces.Repository on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status

	// lastTimestamp is only touched by the writer goroutine
	lastTimestamp time.Time
}

var _ interfaces.Repository = (*Manager)(nil)

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
// Migrations are applied separately through pkg/database.MigrationManager.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	// and gives message inserts a total order for timestamp assignment
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if isBusy(err) {
				log.Printf("Database busy, retrying in %v: %v", retryDelay, err)
				time.Sleep(retryDelay)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("%w: database manager is closed", types.ErrPersistence)
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", types.ErrPersistence, ctx.Err())
	case <-time.After(30 * time.Second):
		return fmt.Errorf("%w: write operation timeout", types.ErrPersistence)
	case <-m.shutdown:
		return fmt.Errorf("%w: database manager is shutting down", types.ErrPersistence)
	}

	// Once queued the operation always reports back; waiting here keeps the
	// caller from racing ahead of a commit
	return <-result
}

// nextTimestamp returns a timestamp never earlier than the previous insert
// TECHNICAL DISCOVERY: Wall clocks can step backwards, history ordering cannot
func (m *Manager) nextTimestamp() time.Time {
	now := time.Now().UTC()
	if now.Before(m.lastTimestamp) {
		now = m.lastTimestamp
	}
	m.lastTimestamp = now
	return now
}

// CreateUser inserts a new account
func (m *Manager) CreateUser(ctx context.Context, user *types.User, passwordHash string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		lastSeen := time.Now().UTC()
		res, err := db.ExecContext(ctx, `
			INSERT INTO users (username, email, password_hash, is_online, last_seen)
			VALUES (?, ?, ?, 0, ?)
		`, user.Username, user.Email, passwordHash, lastSeen)
		if err != nil {
			return classifyError("insert user", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: read user id: %v", types.ErrPersistence, err)
		}

		user.ID = id
		user.IsOnline = false
		user.LastSeen = lastSeen
		return nil
	})
}

// GetUser retrieves a user by id
func (m *Manager) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, username, email, is_online, last_seen
		FROM users
		WHERE id = ?
	`, userID)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", types.ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("%w: query user: %v", types.ErrPersistence, err)
	}
	return user, nil
}

// GetCredentials retrieves a user and password hash by email
func (m *Manager) GetCredentials(ctx context.Context, email string) (*types.User, string, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, username, email, is_online, last_seen, password_hash
		FROM users
		WHERE email = ?
	`, email)

	var user types.User
	var hash string
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.IsOnline, &user.LastSeen, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", fmt.Errorf("%w: email %s", types.ErrUserNotFound, email)
		}
		return nil, "", fmt.Errorf("%w: query credentials: %v", types.ErrPersistence, err)
	}
	return &user, hash, nil
}

// ListUsers returns every user except excluding
func (m *Manager) ListUsers(ctx context.Context, excluding int64) ([]*types.User, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, username, email, is_online, last_seen
		FROM users
		WHERE id <> ?
		ORDER BY id ASC
	`, excluding)
	if err != nil {
		return nil, fmt.Errorf("%w: query users: %v", types.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

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
func (m *Manager) UpdatePresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?
		`, online, lastSeen.UTC(), userID)
		if err != nil {
			return classifyError("update presence", err)
		}
		return nil
	})
}

// ResetPresence marks every user offline
func (m *Manager) ResetPresence(ctx context.Context) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `UPDATE users SET is_online = 0 WHERE is_online <> 0`); err != nil {
			return classifyError("reset presence", err)
		}
		return nil
	})
}

// StoreMessage inserts a message and assigns its id and timestamp
// FUNCTIONAL DISCOVERY: Timestamp is taken inside the writer so insert order and
// timestamp order agree
func (m *Manager) StoreMessage(ctx context.Context, message *types.Message) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		timestamp := m.nextTimestamp()

		res, err := db.ExecContext(ctx, `
			INSERT INTO messages (sender_id, receiver_id, content, timestamp, is_read, media_url, media_type)
			VALUES (?, ?, ?, ?, 0, ?, ?)
		`,
			message.SenderID,
			message.ReceiverID,
			message.Content,
			timestamp,
			message.MediaURL,
			message.MediaType,
		)
		if err != nil {
			return classifyError("insert message", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: read message id: %v", types.ErrPersistence, err)
		}

		message.ID = id
		message.Timestamp = timestamp
		message.IsRead = false
		return nil
	})
}

// MarkRead flips every unread message from sender to receiver
func (m *Manager) MarkRead(ctx context.Context, senderID, receiverID int64) (int64, error) {
	var affected int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE messages SET is_read = 1
			WHERE sender_id = ? AND receiver_id = ? AND is_read = 0
		`, senderID, receiverID)
		if err != nil {
			return classifyError("mark read", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: rows affected: %v", types.ErrPersistence, err)
		}
		return nil
	})
	return affected, err
}

// GetConversation returns one page of the conversation between two users, newest first
func (m *Manager) GetConversation(ctx context.Context, userA, userB int64, limit, offset int) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, content, timestamp, is_read, media_url, media_type
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, userA, userB, userB, userA, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: query conversation: %v", types.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.Message{}
	for rows.Next() {
		var message types.Message
		var mediaURL, mediaType sql.NullString

		err := rows.Scan(
			&message.ID,
			&message.SenderID,
			&message.ReceiverID,
			&message.Content,
			&message.Timestamp,
			&message.IsRead,
			&mediaURL,
			&mediaType,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan message row: %v", types.ErrPersistence, err)
		}

		// FUNCTIONAL DISCOVERY: Handle nullable media columns for text-only messages
		if mediaURL.Valid {
			message.MediaURL = &mediaURL.String
		}
		if mediaType.Valid {
			message.MediaType = &mediaType.String
		}

		messages = append(messages, &message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate message rows: %v", types.ErrPersistence, err)
	}

	return messages, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*types.User, error) {
	var user types.User
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.IsOnline, &user.LastSeen); err != nil {
		return nil, err
	}
	return &user, nil
}

// classifyError maps SQLite constraint failures onto the relay error taxonomy
func classifyError(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %w: %s: sender or receiver does not exist", types.ErrPersistence, types.ErrUserNotFound, op)
		case sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %s", types.ErrConflict, op)
		}
	}
	return fmt.Errorf("%w: %s: %v", types.ErrPersistence, op, err)
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// applySQLiteOptimizations applies performance optimizations
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",   // Write-Ahead Logging for concurrency
		"PRAGMA synchronous = NORMAL", // Balance safety and performance
		"PRAGMA cache_size = -64000",  // 64MB cache
		"PRAGMA temp_store = MEMORY",  // Use memory for temporary tables
		"PRAGMA foreign_keys = ON",    // Ensure referential integrity
		"PRAGMA busy_timeout = 5000",  // 5 second timeout for write coordination
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
