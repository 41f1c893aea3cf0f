package interfaces

import (
	"context"
	"encoding/json"

	"collabroom/pkg/types"
)

// SessionCoordinator owns collaborative state layered on top of rooms.
// Every method addressing a room without a session returns ErrSessionNotFound.
type SessionCoordinator interface {
	CreateSession(ctx context.Context, spec types.SessionSpec) (*types.SessionInfo, error)
	EndSession(ctx context.Context, roomID string) error
	GetSession(roomID string) (*types.SessionSnapshot, error)
	ListSessions() []*types.SessionInfo

	// AddParticipant enforces max_participants; RemoveParticipant is idempotent.
	AddParticipant(roomID, userID string) error
	RemoveParticipant(roomID, userID string) error

	// Admit joins conn to its room and, when the room has a session, takes a
	// roster slot and queues the whiteboard snapshot atomically. It reports
	// whether a session exists. Release drops a user whose last connection left.
	Admit(conn Connection) (bool, error)
	Release(roomID, userID string) error

	UpdateSpatialState(ctx context.Context, roomID, userID string, pose types.SpatialPose) error
	HandleObjectInteraction(ctx context.Context, roomID, userID, objectID, action string, payload json.RawMessage) error
	UpdateWhiteboard(ctx context.Context, roomID, userID string, strokes []json.RawMessage) (int, error)

	// WhiteboardSnapshot builds the full whiteboard_update a new connection receives.
	WhiteboardSnapshot(roomID string) (types.WhiteboardUpdate, error)
}
