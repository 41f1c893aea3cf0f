package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"collabroom/pkg/interfaces"
	"collabroom/pkg/types"
)

// Lifecycle is what the handler drives for every upgraded connection.
// Implemented by internal/hub.
type Lifecycle interface {
	Attach(conn interfaces.Connection) error
	Detach(conn interfaces.Connection)
	Receive(ctx context.Context, conn interfaces.Connection, data []byte)
}

// HandlerConfig carries the transport settings from internal/config.
type HandlerConfig struct {
	Connection      Options
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// Handler upgrades authenticated requests and pumps their frames into the Lifecycle.
// ARCHITECTURAL DISCOVERY: Multi-stage validation (parameters -> upgrade -> identity -> attach)
// ensures invalid requests are rejected with plain HTTP errors before a socket exists
type Handler struct {
	lifecycle Lifecycle
	config    HandlerConfig
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(lifecycle Lifecycle, config HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}

	h := &Handler{
		lifecycle: lifecycle,
		config:    config,
		logger:    logger.With("component", "websocket"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// HandleWebSocket serves GET /ws?room_id=<id>&user_id=<id>. Callers are
// already authenticated upstream; the query carries the result.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	userID := r.URL.Query().Get("user_id")

	if roomID == "" || userID == "" {
		http.Error(w, "Missing required query parameters: room_id, user_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidID(roomID) || !types.IsValidID(userID) {
		http.Error(w, "Invalid room_id or user_id format", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConnection(ws, h.config.Connection, h.logger)
	if err := conn.Authenticate(roomID, userID); err != nil {
		_ = conn.Close()
		return
	}

	if err := h.lifecycle.Attach(conn); err != nil {
		h.logger.Info("connection rejected", "room_id", roomID, "user_id", userID, "error", err)
		h.reject(ws, err)
		_ = conn.Close()
		return
	}

	go h.handleConnection(conn, ws)
}

// handleConnection is the read pump; its exit detaches the connection.
func (h *Handler) handleConnection(conn *Connection, ws *websocket.Conn) {
	defer func() {
		h.lifecycle.Detach(conn)
		_ = conn.Close()
	}()

	if h.config.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.config.MaxMessageBytes)
	}
	// TECHNICAL DISCOVERY: pongs extend the read deadline; pings are sent by the write loop
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
			return
		}
		h.lifecycle.Receive(conn.Context(), conn, data)
	}
}

func (h *Handler) reject(ws *websocket.Conn, cause error) {
	code := websocket.CloseInternalServerErr
	if errors.Is(cause, interfaces.ErrSessionFull) {
		code = websocket.CloseTryAgainLater
	}
	msg := websocket.FormatCloseMessage(code, cause.Error())
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.config.AllowedOrigins, "*") || slices.Contains(h.config.AllowedOrigins, origin)
}
