package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"collabroom/internal/api"
	"collabroom/internal/config"
	"collabroom/internal/database"
	"collabroom/internal/hub"
	"collabroom/internal/metrics"
	"collabroom/internal/router"
	"collabroom/internal/session"
	"collabroom/internal/websocket"
	"collabroom/pkg/interfaces"
)

// Application coordinates all system components.
// Construction follows dependency order:
// Metrics -> Registry -> Recorder -> Sessions -> Router -> Hub -> Handler -> API -> HTTP
type Application struct {
	config   *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *websocket.Registry
	recorder *database.Manager
	sessions *session.Manager
	hub      *hub.Hub
	api      *api.Server

	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
}

// NewApplication wires every component. Logs go to logOutput (stdout when nil).
func NewApplication(cfg *config.Config, logOutput io.Writer) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := NewLogger(cfg.Log, logOutput)
	m := metrics.New()
	registry := websocket.NewRegistry(logger, m)

	// The coordinator treats a nil interface as "recording disabled".
	var recorder interfaces.SessionRecorder
	var dbManager *database.Manager
	if cfg.Database.Enabled {
		var err error
		dbManager, err = database.NewManager(cfg.RecorderConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize session recorder: %w", err)
		}
		recorder = dbManager
	}

	sessions := session.NewManager(registry, recorder, logger, m)
	limiter := router.NewRateLimiter(cfg.Router.RateLimitPerMinute, time.Minute)
	messageRouter := router.NewRouter(sessions, limiter, logger, m)
	messageHub := hub.NewHub(registry, sessions, messageRouter, logger)
	wsHandler := websocket.NewHandler(messageHub, cfg.HandlerConfig(), logger)

	apiServer := api.NewServer(api.Options{
		Coordinator:    sessions,
		Registry:       registry,
		Recorder:       recorder,
		WebSocket:      http.HandlerFunc(wsHandler.HandleWebSocket),
		Metrics:        m.Handler(),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, logger)

	// The upgrader clears these deadlines on hijacked connections.
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Application{
		config:     cfg,
		logger:     logger.With("component", "app"),
		metrics:    m,
		registry:   registry,
		recorder:   dbManager,
		sessions:   sessions,
		hub:        messageHub,
		api:        apiServer,
		httpServer: httpServer,
		errCh:      make(chan error, 1),
	}, nil
}

// Start launches the hub and binds the listener. It returns once the server
// accepts connections; later serve failures arrive on Errors.
func (a *Application) Start(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.httpServer.Addr)
	if err != nil {
		_ = a.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}

	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server failed", "error", err)
			a.errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	a.logger.Info("collabroom started",
		"addr", ln.Addr().String(),
		"recording", a.recorder != nil)
	return nil
}

// Stop shuts down in reverse dependency order: HTTP, hub, live sockets, recorder.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("shutting down")
	var errs []error

	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}

	// Hijacked sockets survive Shutdown; closing them lets each read loop detach.
	a.registry.CloseAll()

	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recorder shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		a.logger.Error("shutdown finished with errors", "error", err)
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Errors reports fatal serve failures after Start.
func (a *Application) Errors() <-chan error {
	return a.errCh
}

// Addr is the bound address once started, the configured one before.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

// Handler exposes the full HTTP surface for in-process servers.
func (a *Application) Handler() http.Handler {
	return a.api
}

func (a *Application) Registry() *websocket.Registry {
	return a.registry
}

func (a *Application) Sessions() *session.Manager {
	return a.sessions
}

func (a *Application) Logger() *slog.Logger {
	return a.logger
}
