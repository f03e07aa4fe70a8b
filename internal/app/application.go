package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"relay/internal/api"
	"relay/internal/auth"
	"relay/internal/blobstore"
	"relay/internal/config"
	"relay/internal/database"
	"relay/internal/hub"
	"relay/internal/presence"
	"relay/internal/router"
	"relay/internal/websocket"
	pkgdatabase "relay/pkg/database"
	"relay/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config        *config.Config
	repo          interfaces.Repository
	mirror        presence.Mirror
	registry      *websocket.Registry
	messageRouter *router.Router
	messageHub    *hub.Hub
	apiServer     *api.Server
	handler       http.Handler
	httpServer    *http.Server
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Presence mirror → Blob store → Registry → Router → Hub → Auth → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
	defer cancel()

	// STEP 1: Open the repository and bring its schema up to date
	repo, err := openRepository(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	if err := repo.HealthCheck(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Nobody is connected to a freshly started process
	if err := repo.ResetPresence(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to reset presence: %w", err)
	}

	// STEP 2: Optional Redis presence mirror
	var mirror presence.Mirror = presence.NopMirror{}
	if cfg.Redis.URL != "" {
		redisMirror, err := presence.NewRedisMirror(ctx, cfg.Redis.URL, cfg.Redis.PresenceTTL)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("failed to connect presence mirror: %w", err)
		}
		mirror = redisMirror
		log.Printf("Presence mirror enabled on channel %s", presence.PresenceChannel)
	}

	// STEP 3: Media storage
	blobs, err := blobstore.NewDiskStore(cfg.Uploads.Dir, cfg.Uploads.URLPrefix)
	if err != nil {
		mirror.Close()
		repo.Close()
		return nil, fmt.Errorf("failed to initialize upload storage: %w", err)
	}

	// STEP 4: Registry, router and hub
	registry := websocket.NewRegistry()
	messageRouter := router.NewRouter(registry, repo, blobs, mirror, router.Options{
		TypingTimeout:       cfg.Router.TypingTimeout,
		RateLimit:           cfg.Router.RateLimit,
		MaxContentBytes:     cfg.Router.MaxContentBytes,
		MaxUploadBytes:      cfg.Uploads.MaxBytes,
		DefaultHistoryLimit: cfg.Router.DefaultHistoryLimit,
		MaxHistoryLimit:     cfg.Router.MaxHistoryLimit,
	})
	messageHub := hub.NewHub(messageRouter)

	// STEP 5: Authentication
	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		messageRouter.Close()
		mirror.Close()
		repo.Close()
		return nil, fmt.Errorf("failed to initialize token issuer: %w", err)
	}
	if cfg.Auth.JWTSecret == config.DevJWTSecret {
		log.Printf("WARNING: using the development JWT secret, set RELAY_JWT_SECRET in production")
	}
	accounts := auth.NewService(repo, issuer, cfg.Auth.BcryptCost)
	authenticator := auth.NewAuthenticator(issuer, cfg.Auth.AllowUserIDParam)

	// STEP 6: API server and WebSocket handler
	apiServer := api.NewServer(accounts, messageRouter, repo, messageRouter, cfg.HTTP.AllowedOrigin)

	var origins []string
	if cfg.HTTP.AllowedOrigin != "" {
		origins = []string{cfg.HTTP.AllowedOrigin}
	}
	wsHandler := websocket.NewHandler(authenticator, repo, messageRouter, messageHub, websocket.Options{
		AllowedOrigins: origins,
		ReadLimit:      cfg.WebSocket.ReadLimit,
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.ReadTimeout,
		WriteBuffer:    cfg.WebSocket.BufferSize,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
	})

	// STEP 7: Setup HTTP mux with API, media and WebSocket endpoints
	mux := http.NewServeMux()
	for _, pattern := range apiServer.Patterns() {
		mux.Handle(pattern, apiServer)
	}
	prefix := "/" + strings.Trim(cfg.Uploads.URLPrefix, "/") + "/"
	mux.Handle(prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(blobs.Dir()))))
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:        cfg.Address(),
		Handler:     mux,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		// WriteTimeout stays off the server: it would also cut hijacked WebSocket streams
		IdleTimeout: cfg.HTTP.WriteTimeout * 4,
	}

	return &Application{
		config:        cfg,
		repo:          repo,
		mirror:        mirror,
		registry:      registry,
		messageRouter: messageRouter,
		messageHub:    messageHub,
		apiServer:     apiServer,
		handler:       mux,
		httpServer:    httpServer,
	}, nil
}

// openRepository selects the storage backend named by the configuration
func openRepository(ctx context.Context, cfg *config.DatabaseConfig) (interfaces.Repository, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := database.ConnectPostgres(ctx, cfg.URL, int32(cfg.MaxConns))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store := database.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		log.Println("PostgreSQL schema ready")
		return store, nil

	default:
		dbConfig := &pkgdatabase.Config{
			DatabasePath:    cfg.Path,
			MaxConnections:  cfg.MaxConns,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
			MigrationsPath:  cfg.MigrationsPath,
		}
		manager, err := database.NewManager(dbConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database manager: %w", err)
		}

		// Apply database migrations to ensure schema is up to date
		migrationManager := pkgdatabase.NewMigrationManager(manager.GetDB(), dbConfig.MigrationsPath)
		if err := migrationManager.ApplyMigrations(); err != nil {
			manager.Close()
			return nil, fmt.Errorf("failed to apply database migrations: %w", err)
		}
		log.Println("Database migrations applied successfully")

		// TECHNICAL DISCOVERY: Custom migration directories can drift from what the
		// repository queries, so the resulting schema is checked before serving
		if err := migrationManager.ValidateSchema(); err != nil {
			manager.Close()
			return nil, fmt.Errorf("database schema validation failed: %w", err)
		}
		return manager, nil
	}
}

// Start begins application execution
// Hub starts first to handle frames, then HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting relay on %s", app.httpServer.Addr)

	if err := app.StartHub(ctx); err != nil {
		return err
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Verify server is ready before returning
	select {
	case err := <-serverErrCh:
		app.messageHub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("Relay started successfully")
		return nil
	case <-ctx.Done():
		app.messageHub.Stop()
		return ctx.Err()
	}
}

// StartHub starts frame processing without binding a listener, for callers that
// serve Handler() themselves
func (app *Application) StartHub(ctx context.Context) error {
	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Connections → Hub → Router → Mirror → Database
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down relay")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// STEP 2: Hijacked WebSocket connections are not closed by Shutdown
	app.registry.CloseAll()

	// STEP 3: Stop frame processing and pending typing timers
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Printf("Message hub shutdown error: %v", err)
	}
	app.messageRouter.Close()

	// STEP 4: Close external stores
	if err := app.mirror.Close(); err != nil {
		log.Printf("Presence mirror shutdown error: %v", err)
	}
	if err := app.repo.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("Relay shutdown complete")
	return nil
}

// Handler returns the root HTTP handler
func (app *Application) Handler() http.Handler {
	return app.handler
}

// GetAddr returns the server address for external connections
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
