package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relay/pkg/database"
	"relay/pkg/types"
)

// setupTestDB creates a migrated SQLite repository in a temp directory
func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	migrations := database.NewMigrationManager(manager.GetDB(), "")
	if err := migrations.ApplyMigrations(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return manager
}

func createUser(t *testing.T, repo *Manager, name string) *types.User {
	t.Helper()
	user := &types.User{Username: name, Email: name + "@example.com"}
	if err := repo.CreateUser(context.Background(), user, "hash-"+name); err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", name, err)
	}
	return user
}

func TestManager_CreateAndGetUser(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	alice := createUser(t, manager, "alice")
	if alice.ID <= 0 {
		t.Fatalf("Expected assigned id, got %d", alice.ID)
	}

	got, err := manager.GetUser(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Username != "alice" || got.Email != "alice@example.com" || got.IsOnline {
		t.Errorf("Unexpected user: %+v", got)
	}

	user, hash, err := manager.GetCredentials(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetCredentials failed: %v", err)
	}
	if user.ID != alice.ID || hash != "hash-alice" {
		t.Errorf("Unexpected credentials: %+v %q", user, hash)
	}
}

func TestManager_GetUserNotFound(t *testing.T) {
	manager := setupTestDB(t)

	if _, err := manager.GetUser(context.Background(), 999); !errors.Is(err, types.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
	if _, _, err := manager.GetCredentials(context.Background(), "ghost@example.com"); !errors.Is(err, types.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestManager_CreateUserConflict(t *testing.T) {
	manager := setupTestDB(t)
	createUser(t, manager, "alice")

	dup := &types.User{Username: "alice", Email: "other@example.com"}
	if err := manager.CreateUser(context.Background(), dup, "x"); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate username, got %v", err)
	}

	dup = &types.User{Username: "alice2", Email: "alice@example.com"}
	if err := manager.CreateUser(context.Background(), dup, "x"); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate email, got %v", err)
	}
}

func TestManager_ListUsersExcluding(t *testing.T) {
	manager := setupTestDB(t)
	alice := createUser(t, manager, "alice")
	bob := createUser(t, manager, "bob")
	carol := createUser(t, manager, "carol")

	all, err := manager.ListUsers(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 users, got %d", len(all))
	}

	others, err := manager.ListUsers(context.Background(), bob.ID)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(others) != 2 || others[0].ID != alice.ID || others[1].ID != carol.ID {
		t.Errorf("Expected alice and carol in id order, got %+v", others)
	}
}

func TestManager_PresenceWriteThrough(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, manager, "alice")

	seen := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := manager.UpdatePresence(ctx, alice.ID, true, seen); err != nil {
		t.Fatalf("UpdatePresence failed: %v", err)
	}

	got, _ := manager.GetUser(ctx, alice.ID)
	if !got.IsOnline || !got.LastSeen.Equal(seen) {
		t.Errorf("Expected online at %v, got %+v", seen, got)
	}

	if err := manager.ResetPresence(ctx); err != nil {
		t.Fatalf("ResetPresence failed: %v", err)
	}
	got, _ = manager.GetUser(ctx, alice.ID)
	if got.IsOnline {
		t.Error("Expected user offline after ResetPresence")
	}
}

func TestManager_StoreMessageAssignsIDAndTimestamp(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, manager, "alice")
	bob := createUser(t, manager, "bob")

	msg := &types.Message{SenderID: alice.ID, ReceiverID: bob.ID, Content: "hi bob"}
	before := time.Now().UTC().Add(-time.Second)
	if err := manager.StoreMessage(ctx, msg); err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}

	if msg.ID <= 0 {
		t.Errorf("Expected assigned id, got %d", msg.ID)
	}
	if msg.Timestamp.Before(before) {
		t.Errorf("Expected timestamp near now, got %v", msg.Timestamp)
	}
	if msg.IsRead {
		t.Error("New message must be unread")
	}

	history, err := manager.GetConversation(ctx, alice.ID, bob.ID, 20, 0)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(history) != 1 || history[0].ID != msg.ID || history[0].Content != "hi bob" || history[0].IsRead {
		t.Errorf("Unexpected history: %+v", history)
	}
	if history[0].MediaURL != nil || history[0].MediaType != nil {
		t.Error("Text message must not carry media fields")
	}
}

func TestManager_StoreMessageUnknownUser(t *testing.T) {
	manager := setupTestDB(t)
	alice := createUser(t, manager, "alice")

	msg := &types.Message{SenderID: alice.ID, ReceiverID: 4242, Content: "anyone?"}
	err := manager.StoreMessage(context.Background(), msg)
	if !errors.Is(err, types.ErrPersistence) || !errors.Is(err, types.ErrUserNotFound) {
		t.Errorf("Expected ErrPersistence wrapping ErrUserNotFound, got %v", err)
	}
}

func TestManager_MediaMessageRoundTrip(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, manager, "alice")
	bob := createUser(t, manager, "bob")

	url, mediaType := "/uploads/1700000000000-ab12-cat.png", types.MediaTypeImage
	msg := &types.Message{SenderID: alice.ID, ReceiverID: bob.ID, MediaURL: &url, MediaType: &mediaType}
	if err := manager.StoreMessage(ctx, msg); err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}

	history, err := manager.GetConversation(ctx, bob.ID, alice.ID, 20, 0)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(history))
	}
	got := history[0]
	if got.Content != "" || got.MediaURL == nil || *got.MediaURL != url || got.MediaType == nil || *got.MediaType != mediaType {
		t.Errorf("Unexpected media message: %+v", got)
	}
}

func TestManager_ConversationOrderingAndPaging(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, manager, "alice")
	bob := createUser(t, manager, "bob")
	carol := createUser(t, manager, "carol")

	var ids []int64
	for i := 0; i < 5; i++ {
		sender, receiver := alice.ID, bob.ID
		if i%2 == 1 {
			sender, receiver = bob.ID, alice.ID
		}
		msg := &types.Message{SenderID: sender, ReceiverID: receiver, Content: "m"}
		if err := manager.StoreMessage(ctx, msg); err != nil {
			t.Fatalf("StoreMessage failed: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	// Unrelated conversation must not leak in
	if err := manager.StoreMessage(ctx, &types.Message{SenderID: carol.ID, ReceiverID: alice.ID, Content: "x"}); err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}

	page, err := manager.GetConversation(ctx, alice.ID, bob.ID, 3, 0)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(page) != 3 || page[0].ID != ids[4] || page[1].ID != ids[3] || page[2].ID != ids[2] {
		t.Errorf("Expected newest three messages first, got %v", messageIDs(page))
	}
	for i := 1; i < len(page); i++ {
		if page[i].Timestamp.After(page[i-1].Timestamp) {
			t.Errorf("Timestamps not descending at %d", i)
		}
	}

	page, err = manager.GetConversation(ctx, alice.ID, bob.ID, 3, 3)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[1] || page[1].ID != ids[0] {
		t.Errorf("Expected oldest two messages on second page, got %v", messageIDs(page))
	}
}

func TestManager_MarkRead(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, manager, "alice")
	bob := createUser(t, manager, "bob")

	for i := 0; i < 3; i++ {
		if err := manager.StoreMessage(ctx, &types.Message{SenderID: alice.ID, ReceiverID: bob.ID, Content: "hey"}); err != nil {
			t.Fatalf("StoreMessage failed: %v", err)
		}
	}
	// Reverse direction stays unread
	if err := manager.StoreMessage(ctx, &types.Message{SenderID: bob.ID, ReceiverID: alice.ID, Content: "yo"}); err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}

	changed, err := manager.MarkRead(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if changed != 3 {
		t.Errorf("Expected 3 rows changed, got %d", changed)
	}

	changed, err = manager.MarkRead(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("Second MarkRead failed: %v", err)
	}
	if changed != 0 {
		t.Errorf("Expected second MarkRead to change 0 rows, got %d", changed)
	}

	history, _ := manager.GetConversation(ctx, alice.ID, bob.ID, 20, 0)
	for _, m := range history {
		want := m.SenderID == alice.ID
		if m.IsRead != want {
			t.Errorf("Message %d from %d: isRead=%v, want %v", m.ID, m.SenderID, m.IsRead, want)
		}
	}
}

func TestManager_ConcurrentWritesKeepTimestampsMonotonic(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, manager, "alice")
	bob := createUser(t, manager, "bob")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := manager.StoreMessage(ctx, &types.Message{SenderID: alice.ID, ReceiverID: bob.ID, Content: "c"}); err != nil {
				t.Errorf("StoreMessage failed: %v", err)
			}
		}()
	}
	wg.Wait()

	history, err := manager.GetConversation(ctx, alice.ID, bob.ID, 100, 0)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(history) != 20 {
		t.Fatalf("Expected 20 messages, got %d", len(history))
	}
	// Newest first: higher ids never carry earlier timestamps
	for i := 1; i < len(history); i++ {
		if history[i].ID > history[i-1].ID {
			t.Errorf("Id order broken at %d: %v", i, messageIDs(history))
		}
		if history[i].Timestamp.After(history[i-1].Timestamp) {
			t.Errorf("Timestamp order broken at %d", i)
		}
	}
}

func TestManager_CloseRejectsWrites(t *testing.T) {
	manager := setupTestDB(t)
	alice := createUser(t, manager, "alice")

	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	err := manager.UpdatePresence(context.Background(), alice.ID, true, time.Now())
	if !errors.Is(err, types.ErrPersistence) {
		t.Errorf("Expected ErrPersistence after close, got %v", err)
	}
}

func TestManager_HealthCheck(t *testing.T) {
	manager := setupTestDB(t)
	if err := manager.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestClassifyError_PassesThroughUnknown(t *testing.T) {
	err := classifyError("op", errors.New("disk I/O error"))
	if !errors.Is(err, types.ErrPersistence) || errors.Is(err, types.ErrUserNotFound) {
		t.Errorf("Expected plain ErrPersistence, got %v", err)
	}
}

func messageIDs(messages []*types.Message) []int64 {
	ids := make([]int64, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}
