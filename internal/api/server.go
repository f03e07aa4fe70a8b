package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relay/pkg/types"
)

// Accounts is the signup/login surface the API needs from the auth service
type Accounts interface {
	Signup(ctx context.Context, username, email, password string) (*types.User, error)
	Login(ctx context.Context, email, password string) (*types.User, string, error)
}

// Conversations is the read side of the message router
type Conversations interface {
	ListUsers(ctx context.Context, excluding int64) ([]*types.User, error)
	FetchHistory(ctx context.Context, userA, userB int64, limit, offset int) ([]*types.Message, error)
}

// HealthChecker reports storage connectivity
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsProvider exposes live connection statistics
type StatsProvider interface {
	Stats() map[string]int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	accounts      Accounts
	conversations Conversations
	health        HealthChecker
	stats         StatsProvider
	allowedOrigin string
	router        *http.ServeMux
	patterns      []string
	startedAt     time.Time
}

// NewServer wires the API routes. An empty allowedOrigin allows any origin.
func NewServer(accounts Accounts, conversations Conversations, health HealthChecker, stats StatsProvider, allowedOrigin string) *Server {
	s := &Server{
		accounts:      accounts,
		conversations: conversations,
		health:        health,
		stats:         stats,
		allowedOrigin: allowedOrigin,
		router:        http.NewServeMux(),
		startedAt:     time.Now(),
	}

	s.setupRoutes()
	return s
}

// routePrefixes mounts every endpoint under /api and at the root, where existing
// web clients call /users, /login and /messages
var routePrefixes = []string{"/api", ""}

// ARCHITECTURAL DISCOVERY: CORS and JSON middleware applied to all routes for web client compatibility
func (s *Server) setupRoutes() {
	for _, prefix := range routePrefixes {
		s.handle(prefix+"/users", s.handleUsers)
		s.handle(prefix+"/users/", s.handleUsersExcluding)
		s.handle(prefix+"/login", s.handleLogin)
		s.handle(prefix+"/messages", s.handleMessages)
	}
	s.handle("/health", s.healthCheck)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.router.Handle(pattern, s.corsMiddleware(s.jsonMiddleware(h)))
	s.patterns = append(s.patterns, pattern)
}

// Patterns lists the mux patterns the server answers, for mounting on an outer mux
func (s *Server) Patterns() []string {
	return append([]string(nil), s.patterns...)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type SignupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	User  *types.User `json:"user"`
	Token string      `json:"token"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: POST /api/users creates an account, GET /api/users lists everyone
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.signup(w, r)
	case http.MethodGet:
		s.listUsers(w, r, 0)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// FUNCTIONAL DISCOVERY: GET /api/users/{id} lists every user except id
func (s *Server) handleUsersExcluding(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/api"), "/users/")
	userID, err := types.ParseUserID(strings.Split(path, "/")[0])
	if err != nil {
		s.sendError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}
	s.listUsers(w, r, userID)
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	user, err := s.accounts.Signup(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		s.sendErrorFor(w, "Failed to create user", err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request, excluding int64) {
	users, err := s.conversations.ListUsers(r.Context(), excluding)
	if err != nil {
		s.sendErrorFor(w, "Failed to list users", err)
		return
	}
	json.NewEncoder(w).Encode(users)
}

// FUNCTIONAL DISCOVERY: POST /api/login returns the user and a signed token
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	user, token, err := s.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, types.ErrInvalidCredentials) {
			s.sendError(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		s.sendErrorFor(w, "Login failed", err)
		return
	}

	json.NewEncoder(w).Encode(LoginResponse{User: user, Token: token})
}

// FUNCTIONAL DISCOVERY: GET /api/messages?userId=&otherUserId=&limit=&offset= returns
// one page of history, newest first
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	userID, err := types.ParseUserID(q.Get("userId"))
	if err != nil {
		s.sendError(w, "Invalid userId", http.StatusBadRequest)
		return
	}
	otherID, err := types.ParseUserID(q.Get("otherUserId"))
	if err != nil {
		s.sendError(w, "Invalid otherUserId", http.StatusBadRequest)
		return
	}

	limit, err := parseOptionalInt(q.Get("limit"))
	if err != nil {
		s.sendError(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	offset, err := parseOptionalInt(q.Get("offset"))
	if err != nil {
		s.sendError(w, "Invalid offset", http.StatusBadRequest)
		return
	}

	messages, err := s.conversations.FetchHistory(r.Context(), userID, otherID, limit, offset)
	if err != nil {
		s.sendErrorFor(w, "Failed to fetch messages", err)
		return
	}
	json.NewEncoder(w).Encode(messages)
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if err := s.health.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.stats.Stats(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

// sendErrorFor maps a domain error onto an HTTP status
func (s *Server) sendErrorFor(w http.ResponseWriter, fallback string, err error) {
	code := statusFor(err)
	message := fallback
	if code < http.StatusInternalServerError {
		message = err.Error()
	} else {
		log.Printf("API request failed: %v", err)
	}
	s.sendError(w, message, code)
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func statusFor(err error) int {
	switch types.ErrorCode(err) {
	case types.CodeValidation:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeConflict:
		return http.StatusConflict
	case types.CodeInvalidCredentials:
		return http.StatusUnauthorized
	case types.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func parseOptionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables the browser client on its own origin
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.allowedOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		// FUNCTIONAL DISCOVERY: Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
