package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"relay/internal/api"
	"relay/internal/app"
	"relay/internal/config"
	"relay/pkg/types"
)

// testRelay is a full application served over httptest
type testRelay struct {
	app    *app.Application
	server *httptest.Server
	dialed int
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "relay.db")
	cfg.Uploads.Dir = filepath.Join(dir, "uploads")
	cfg.HTTP.AllowedOrigin = ""
	cfg.Auth.JWTSecret = "integration-secret"
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Router.TypingTimeout = 150 * time.Millisecond
	return cfg
}

// startRelay builds the application from cfg and serves its handler
func startRelay(t *testing.T, cfg *config.Config) *testRelay {
	t.Helper()

	application, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := application.StartHub(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}

	server := httptest.NewServer(application.Handler())
	t.Cleanup(func() {
		server.Close()
		if err := application.Stop(context.Background()); err != nil {
			t.Logf("Failed to stop application: %v", err)
		}
	})

	return &testRelay{app: application, server: server}
}

func (r *testRelay) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(r.server.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (r *testRelay) getJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(r.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// signupAndLogin creates an account and returns it with a fresh token
func (r *testRelay) signupAndLogin(t *testing.T, username string) (*types.User, string) {
	t.Helper()
	email := username + "@example.com"

	resp := r.postJSON(t, "/api/users", api.SignupRequest{Username: username, Email: email, Password: "password123"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Signup %s: expected 201, got %d", username, resp.StatusCode)
	}

	resp = r.postJSON(t, "/api/login", api.LoginRequest{Email: email, Password: "password123"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Login %s: expected 200, got %d", username, resp.StatusCode)
	}
	var login api.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("Failed to decode login: %v", err)
	}
	return login.User, login.Token
}

func (r *testRelay) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws?" + query
}

// client is one WebSocket session of a user
type client struct {
	t    *testing.T
	conn *gorillaws.Conn
}

func (r *testRelay) dial(t *testing.T, token string) *client {
	t.Helper()
	conn, resp, err := gorillaws.DefaultDialer.Dial(r.wsURL("token="+token), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { conn.Close() })

	// The upgrade response is written before the router registers the connection
	r.dialed++
	waitUntil(t, "connection registration", func() bool {
		var health api.HealthResponse
		r.getJSON(t, "/health", &health)
		return health.Connections["total_connections"] >= r.dialed
	})
	return &client{t: t, conn: conn}
}

func (c *client) send(event string, data interface{}, requestID string) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("Failed to marshal %s: %v", event, err)
	}
	if err := c.conn.WriteJSON(types.InboundEvent{Event: event, Data: raw, RequestID: requestID}); err != nil {
		c.t.Fatalf("Failed to send %s: %v", event, err)
	}
}

// expect reads frames until one named event arrives, skipping others
func (c *client) expect(event string) (types.OutboundEvent, json.RawMessage) {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		var envelope struct {
			Event     string          `json:"event"`
			Data      json.RawMessage `json:"data"`
			RequestID string          `json:"requestId"`
		}
		if err := c.conn.ReadJSON(&envelope); err != nil {
			c.t.Fatalf("Waiting for %s: %v", event, err)
		}
		if envelope.Event == event {
			return types.OutboundEvent{Event: envelope.Event, RequestID: envelope.RequestID}, envelope.Data
		}
	}
}

// expectNone asserts nothing arrives within wait
func (c *client) expectNone(wait time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(wait))
	var raw json.RawMessage
	if err := c.conn.ReadJSON(&raw); err == nil {
		c.t.Fatalf("Expected silence, got %s", raw)
	}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Failed to decode %T: %v", out, err)
	}
	return out
}

func historyPath(a, b int64) string {
	return fmt.Sprintf("/api/messages?userId=%d&otherUserId=%d", a, b)
}

func itoa(id int64) string {
	return fmt.Sprintf("%d", id)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
