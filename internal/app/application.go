// Package app wires the practicehub components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"practicehub/internal/api"
	"practicehub/internal/auth"
	"practicehub/internal/clock"
	"practicehub/internal/config"
	"practicehub/internal/database"
	"practicehub/internal/hub"
	"practicehub/internal/matchmaking"
	"practicehub/internal/presence"
	"practicehub/internal/router"
	"practicehub/internal/session"
	"practicehub/internal/websocket"
	pkgdatabase "practicehub/pkg/database"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config      *config.Config
	logger      *slog.Logger
	dbManager   *database.Manager
	registry    *websocket.Registry
	router      *router.Router
	presence    *presence.Store
	mirror      *presence.RedisMirror
	sessions    *session.Manager
	coordinator *matchmaking.Coordinator
	eventHub    *hub.Hub
	apiServer   *api.Server
	httpServer  *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Registry → Router → Presence → Sessions → Matchmaking → Hub → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	clk := clock.Real{}

	// STEP 1: Initialize database manager (foundation layer)
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: cfg.Database.Timeout,
	}
	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 1.5: Apply database migrations to ensure schema is up to date
	migrations := pkgdatabase.NewMigrationManager(dbManager.GetDB(), pkgdatabase.Migrations())
	if err := migrations.ApplyMigrations(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}
	logger.Info("database ready", "path", cfg.Database.Path)

	// STEP 2: Connection registry and the router that fans events out over it
	registry := websocket.NewRegistry(logger)
	eventRouter := router.NewRouter(registry, clk, logger)

	// STEP 3: Presence store, warmed from storage with everyone offline
	store := presence.NewStore(registry, eventRouter, dbManager, clk, logger)
	registry.AddListener(store)
	if err := store.Load(ctx); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	var mirror *presence.RedisMirror
	if cfg.Redis.URL != "" {
		client, err := presence.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.DB)
		if err != nil {
			dbManager.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		mirror, err = presence.NewRedisMirror(client, cfg.Redis.PresenceTTL, logger)
		if err != nil {
			dbManager.Close()
			return nil, err
		}
		store.SetMirror(mirror)
		logger.Info("presence mirror enabled", "ttl", cfg.Redis.PresenceTTL)
	}

	// STEP 4: Session manager, resuming sessions that were active at shutdown
	sessions := session.NewManager(dbManager, eventRouter, store, clk, session.Options{
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
	}, logger)
	if err := sessions.LoadActiveSessions(ctx); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}
	eventRouter.SetSessionDirectory(sessions)

	// STEP 5: Matchmaking coordinator, retried whenever someone becomes available
	// and re-delivering pending invitations when their target reconnects
	coordinator := matchmaking.NewCoordinator(store, sessions, eventRouter, dbManager, clk, matchmaking.Options{
		InvitationTTL: cfg.Matchmaking.InvitationTTL,
		SweepInterval: cfg.Matchmaking.SweepInterval,
		Retention:     cfg.Matchmaking.Retention,
	}, logger)
	store.AddObserver(coordinator)
	registry.AddListener(coordinator)
	if err := coordinator.LoadPending(ctx); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to load pending requests: %w", err)
	}

	// STEP 6: Event hub serialising inbound socket frames
	eventHub := hub.NewHub(store, coordinator, sessions, eventRouter, clk, hub.Options{
		InboundBuffer: cfg.Hub.InboundBuffer,
		RateLimit:     cfg.Hub.RateLimit,
		RateWindow:    cfg.Hub.RateWindow,
	}, logger)

	// STEP 7: HTTP mirror and WebSocket handler
	var apiMirror api.PresenceMirror
	if mirror != nil {
		apiMirror = mirror
	}
	var apiAuth auth.Authenticator
	if cfg.Auth.JWTSecret != "" {
		apiAuth = auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	}
	apiServer := api.NewServer(api.Deps{
		Presence: store,
		Matches:  coordinator,
		Sessions: sessions,
		Registry: registry,
		Database: dbManager,
		Mirror:   apiMirror,
		Auth:     apiAuth,
		Clock:    clk,
	}, logger)

	wsHandler := websocket.NewHandler(registry, auth.New(cfg.Auth.JWTSecret), eventHub, websocket.HandlerOptions{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		Connection: websocket.ConnectionOptions{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		},
	}, logger)

	// STEP 8: Setup HTTP server with both API and WebSocket endpoints
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/ws", wsHandler)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, fmt.Sprint(cfg.HTTP.Port)),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		logger:      logger.With("component", "app"),
		dbManager:   dbManager,
		registry:    registry,
		router:      eventRouter,
		presence:    store,
		mirror:      mirror,
		sessions:    sessions,
		coordinator: coordinator,
		eventHub:    eventHub,
		apiServer:   apiServer,
		httpServer:  httpServer,
	}, nil
}

// StartWorkers starts the event hub and the background loops without
// listening; tests serve Handler() themselves.
func (app *Application) StartWorkers() error {
	runCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	if err := app.eventHub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.coordinator.RunSweeper(runCtx)
	}()
	if app.mirror != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.presence.RunMirrorRefresh(runCtx, app.config.Redis.RefreshInterval)
		}()
	}
	return nil
}

// Start begins application execution
// Hub and background loops start first, then the HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting practicehub", "addr", app.httpServer.Addr)

	if err := app.StartWorkers(); err != nil {
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
		app.stopBackground()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("practicehub started")
		return nil
	case <-ctx.Done():
		app.stopBackground()
		return ctx.Err()
	}
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Hub → background loops → Redis → Database
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down practicehub")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	app.stopBackground()

	if app.mirror != nil {
		if err := app.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}

	app.logger.Info("practicehub shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) stopBackground() {
	if err := app.eventHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("event hub shutdown error", "error", err)
	}
	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()
}

// GetAddr returns the server address for external connections
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}

// Handler exposes the composed HTTP handler for in-process tests.
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}
