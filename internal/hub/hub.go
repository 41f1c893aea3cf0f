package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"collabroom/internal/router"
	"collabroom/internal/websocket"
	"collabroom/pkg/interfaces"
)

// DefaultCleanupInterval is how often idle rate-limiter state is swept.
const DefaultCleanupInterval = time.Minute

// Hub ties a connection's lifetime to the registry and the session roster.
// ARCHITECTURAL DISCOVERY: Central coordination point for connection lifecycle;
// it implements websocket.Lifecycle so the transport never imports the coordinator.
type Hub struct {
	registry    *websocket.Registry
	coordinator interfaces.SessionCoordinator
	router      *router.Router
	logger      *slog.Logger

	cleanupInterval time.Duration

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	mu       sync.RWMutex
	running  bool
	shutdown chan struct{}
	stopped  chan struct{}
}

var _ websocket.Lifecycle = (*Hub)(nil)

// NewHub creates a new hub
func NewHub(registry *websocket.Registry, coordinator interfaces.SessionCoordinator, r *router.Router, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry:        registry,
		coordinator:     coordinator,
		router:          r,
		logger:          logger.With("component", "hub"),
		cleanupInterval: DefaultCleanupInterval,
	}
}

// Start begins background housekeeping. Attach is refused until Start succeeds.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.stopped = make(chan struct{})

	go h.run(ctx, h.shutdown, h.stopped)
	h.logger.Info("hub started")
	return nil
}

// Stop halts housekeeping and waits for it to exit. Live connections are not touched.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	stopped := h.stopped
	h.mu.Unlock()

	<-stopped
	h.logger.Info("hub stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Attach admits a freshly authenticated connection. The coordinator checks
// roster capacity, joins the room and queues the whiteboard snapshot in one
// step, so no broadcast can land between join and snapshot.
func (h *Hub) Attach(conn interfaces.Connection) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}
	if conn == nil {
		return websocket.ErrNilConnection
	}

	hasSession, err := h.coordinator.Admit(conn)
	if err != nil {
		return err
	}

	h.logger.Info("connection attached", "room_id", conn.RoomID(), "user_id", conn.UserID(), "conn_id", conn.ID(), "session", hasSession)
	return nil
}

// Detach leaves the room and releases the user's roster slot. Connections
// pruned by a failed send are already out of the room; the coordinator checks
// the registry itself before dropping the user.
func (h *Hub) Detach(conn interfaces.Connection) {
	if conn == nil {
		return
	}
	roomID, userID := conn.RoomID(), conn.UserID()

	res, err := h.registry.Leave(conn)
	if err != nil && !errors.Is(err, websocket.ErrConnectionNotFound) {
		h.logger.Warn("leave failed", "room_id", roomID, "user_id", userID, "conn_id", conn.ID(), "error", err)
		return
	}

	if err := h.coordinator.Release(roomID, userID); err != nil && !errors.Is(err, interfaces.ErrSessionNotFound) {
		h.logger.Warn("failed to release participant", "room_id", roomID, "user_id", userID, "error", err)
	}

	h.logger.Info("connection detached", "room_id", roomID, "user_id", userID, "conn_id", conn.ID(), "user_gone", res.UserGone)
}

// Receive routes one inbound frame on the connection's read goroutine, which
// keeps a single client's events in order.
func (h *Hub) Receive(ctx context.Context, conn interfaces.Connection, data []byte) {
	if err := h.router.RouteMessage(ctx, conn, data); err != nil {
		level := slog.LevelDebug
		if errors.Is(err, router.ErrRateLimitExceeded) {
			level = slog.LevelWarn
		}
		h.logger.Log(ctx, level, "inbound event rejected",
			"room_id", conn.RoomID(), "user_id", conn.UserID(), "error", err)
	}
}

// run sweeps rate-limiter state until stopped.
func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.router.RateLimiter().Cleanup()
		case <-shutdown:
			return
		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			return
		}
	}
}
