package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"collabroom/internal/metrics"
	"collabroom/pkg/interfaces"
	"collabroom/pkg/types"
)

// Router turns inbound client frames into coordinator calls.
// ARCHITECTURAL DISCOVERY: Pure routing logic; the coordinator owns state and
// the registry owns delivery, so the router never touches connections beyond
// reading the identity stamped on them.
type Router struct {
	coordinator interfaces.SessionCoordinator
	rateLimiter *RateLimiter
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewRouter creates a new message router. logger and m may be nil.
func NewRouter(coordinator interfaces.SessionCoordinator, limiter *RateLimiter, logger *slog.Logger, m *metrics.Metrics) *Router {
	if limiter == nil {
		limiter = NewRateLimiter(DefaultLimitPerMinute, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		coordinator: coordinator,
		rateLimiter: limiter,
		logger:      logger.With("component", "router"),
		metrics:     m,
	}
}

// RateLimiter exposes the limiter so its owner can schedule Cleanup.
func (r *Router) RateLimiter() *RateLimiter { return r.rateLimiter }

// RouteMessage decodes one frame from conn and applies it to the room's session.
// The sender's identity always comes from the connection, never the payload.
func (r *Router) RouteMessage(ctx context.Context, conn interfaces.Connection, data []byte) error {
	if conn == nil || !conn.IsAuthenticated() {
		return ErrSenderNotConnected
	}

	ev, err := types.DecodeClientEvent(data)
	if err != nil {
		r.reject(rejectReason(err))
		return err
	}

	// TECHNICAL DISCOVERY: Rate limiting applied per user after validation so malformed frames don't consume quota
	userID := conn.UserID()
	if !r.rateLimiter.Allow(userID) {
		r.reject("rate_limited")
		return ErrRateLimitExceeded
	}

	roomID := conn.RoomID()
	switch e := ev.(type) {
	case types.PoseUpdate:
		err = r.coordinator.UpdateSpatialState(ctx, roomID, userID, e.Pose())
	case types.InteractionRequest:
		err = r.coordinator.HandleObjectInteraction(ctx, roomID, userID, e.ObjectID, e.Action, e.InteractionData)
	case types.StrokeRequest:
		_, err = r.coordinator.UpdateWhiteboard(ctx, roomID, userID, e.Strokes)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type())
	}
	if err != nil {
		r.reject(rejectReason(err))
		return err
	}

	r.metrics.InboundEvent(string(ev.Type()))
	return nil
}

func (r *Router) reject(reason string) {
	r.metrics.RejectedEvent(reason)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, types.ErrMalformedEnvelope):
		return "malformed"
	case errors.Is(err, types.ErrInvalidEventType), errors.Is(err, ErrUnsupportedEvent):
		return "invalid_type"
	case errors.Is(err, types.ErrValidation):
		return "validation"
	case errors.Is(err, interfaces.ErrSessionNotFound):
		return "no_session"
	default:
		return "dispatch"
	}
}
