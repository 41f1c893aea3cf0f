package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"collabroom/pkg/interfaces"
	"collabroom/pkg/types"
)

// Registry is the read-only view of the connection registry the API exposes.
type Registry interface {
	ActiveRooms() []string
	RoomUsers(roomID string) []string
	RoomClients(roomID string) []types.Client
	Stats() types.RegistryStats
}

// Options carries the server's collaborators. Recorder is nil when recording is disabled;
// WebSocket and Metrics are mounted at /ws and /metrics when set.
type Options struct {
	Coordinator    interfaces.SessionCoordinator
	Registry       Registry
	Recorder       interfaces.SessionRecorder
	WebSocket      http.Handler
	Metrics        http.Handler
	AllowedOrigins []string
}

// Server is the HTTP surface: room queries, session admin, recordings, health.
// Handlers hold no business logic; they translate between JSON and the coordinator.
type Server struct {
	coordinator interfaces.SessionCoordinator
	registry    Registry
	recorder    interfaces.SessionRecorder
	mux         *http.ServeMux
	handler     http.Handler
	logger      *slog.Logger
	startedAt   time.Time
}

func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		coordinator: opts.Coordinator,
		registry:    opts.Registry,
		recorder:    opts.Recorder,
		mux:         http.NewServeMux(),
		logger:      logger.With("component", "api"),
		startedAt:   time.Now(),
	}
	s.setupRoutes(opts)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	})
	s.handler = c.Handler(s.mux)
	return s
}

func (s *Server) setupRoutes(opts Options) {
	s.mux.Handle("GET /api/rooms", jsonMiddleware(http.HandlerFunc(s.listRooms)))
	s.mux.Handle("GET /api/rooms/{room_id}/users", jsonMiddleware(http.HandlerFunc(s.roomUsers)))
	s.mux.Handle("GET /api/stats", jsonMiddleware(http.HandlerFunc(s.stats)))

	s.mux.Handle("POST /api/sessions", jsonMiddleware(http.HandlerFunc(s.createSession)))
	s.mux.Handle("GET /api/sessions", jsonMiddleware(http.HandlerFunc(s.listSessions)))
	s.mux.Handle("GET /api/sessions/{room_id}", jsonMiddleware(http.HandlerFunc(s.getSession)))
	s.mux.Handle("DELETE /api/sessions/{room_id}", jsonMiddleware(http.HandlerFunc(s.endSession)))

	s.mux.Handle("GET /api/recordings/{session_id}/whiteboard", jsonMiddleware(http.HandlerFunc(s.whiteboardRecording)))

	s.mux.Handle("GET /health", jsonMiddleware(http.HandlerFunc(s.healthCheck)))

	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.WebSocket != nil {
		s.mux.Handle("GET /ws", opts.WebSocket)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type RoomsResponse struct {
	Rooms []string `json:"rooms"`
}

type RoomUsersResponse struct {
	RoomID      string         `json:"room_id"`
	Users       []string       `json:"users"`
	Connections []types.Client `json:"connections"`
}

type SessionsResponse struct {
	Sessions []*types.SessionInfo `json:"sessions"`
}

type RecordingResponse struct {
	SessionID string                  `json:"session_id"`
	Version   int                     `json:"version"`
	Entries   []types.WhiteboardEntry `json:"entries"`
}

type HealthResponse struct {
	Status    string              `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
	Uptime    string              `json:"uptime"`
	Recorder  string              `json:"recorder"`
	Registry  types.RegistryStats `json:"registry"`
	Sessions  int                 `json:"sessions"`
}

type ErrorResponse struct {
	Error   string             `json:"error"`
	Code    int                `json:"code"`
	Message string             `json:"message"`
	Fields  []types.FieldError `json:"fields,omitempty"`
}

// GET /api/rooms
func (s *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, RoomsResponse{Rooms: s.registry.ActiveRooms()})
}

// GET /api/rooms/{room_id}/users. Rooms without connections do not exist.
func (s *Server) roomUsers(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if !types.IsValidID(roomID) {
		s.sendError(w, "Invalid room_id", http.StatusBadRequest)
		return
	}

	users := s.registry.RoomUsers(roomID)
	if len(users) == 0 {
		s.sendError(w, "Room not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, RoomUsersResponse{
		RoomID:      roomID,
		Users:       users,
		Connections: s.registry.RoomClients(roomID),
	})
}

// GET /api/stats
func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Stats())
}

// POST /api/sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var spec types.SessionSpec
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	info, err := s.coordinator.CreateSession(r.Context(), spec)
	if err != nil {
		s.handleError(w, err, "Failed to create session")
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

// GET /api/sessions
func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.coordinator.ListSessions()
	if sessions == nil {
		sessions = []*types.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

// GET /api/sessions/{room_id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.coordinator.GetSession(r.PathValue("room_id"))
	if err != nil {
		s.handleError(w, err, "Failed to get session")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// DELETE /api/sessions/{room_id}
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if err := s.coordinator.EndSession(r.Context(), roomID); err != nil {
		s.handleError(w, err, "Failed to end session")
		return
	}
	s.logger.Info("session ended via api", "room_id", roomID)
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Session ended successfully"})
}

// GET /api/recordings/{session_id}/whiteboard
func (s *Server) whiteboardRecording(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.sendError(w, "Recording is disabled", http.StatusNotFound)
		return
	}

	sessionID := r.PathValue("session_id")
	entries, err := s.recorder.WhiteboardHistory(r.Context(), sessionID)
	if err != nil {
		s.handleError(w, err, "Failed to read recording")
		return
	}
	s.writeJSON(w, http.StatusOK, RecordingResponse{
		SessionID: sessionID,
		Version:   len(entries),
		Entries:   entries,
	})
}

// GET /health. 503 when the recorder is configured but unreachable.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	recorderStatus := "disabled"
	if s.recorder != nil {
		recorderStatus = "healthy"
		if err := s.recorder.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			recorderStatus = "error: " + err.Error()
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Recorder:  recorderStatus,
		Registry:  s.registry.Stats(),
		Sessions:  len(s.coordinator.ListSessions()),
	})
}

// handleError maps domain errors onto status codes.
func (s *Server) handleError(w http.ResponseWriter, err error, fallback string) {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		w.WriteHeader(http.StatusBadRequest)
		s.encode(w, ErrorResponse{
			Error:   http.StatusText(http.StatusBadRequest),
			Code:    http.StatusBadRequest,
			Message: types.ErrValidation.Error(),
			Fields:  verr.Fields,
		})
	case errors.Is(err, interfaces.ErrSessionNotFound):
		s.sendError(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrRecordingNotFound):
		s.sendError(w, "Recording not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrSessionExists):
		s.sendError(w, "Session already exists for room", http.StatusConflict)
	case errors.Is(err, interfaces.ErrSessionFull):
		s.sendError(w, "Session is full", http.StatusConflict)
	default:
		s.logger.Error(fallback, "error", err)
		s.sendError(w, fallback, http.StatusInternalServerError)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	s.encode(w, v)
}

func (s *Server) encode(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", "error", err)
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
