package types

import (
	"encoding/json"
	"time"
)

// ConnState is the lifecycle state of a registered connection.
// A connection only moves forward: pending -> active -> closed.
type ConnState string

const (
	ConnStatePending ConnState = "pending"
	ConnStateActive  ConnState = "active"
	ConnStateClosed  ConnState = "closed"
)

// Client is the registry's record of one live connection.
// FUNCTIONAL DISCOVERY: MessageCount only counts frames accepted by the outbound queue
type Client struct {
	ConnID       string    `json:"conn_id"`
	RoomID       string    `json:"room_id"`
	UserID       string    `json:"user_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	MessageCount int       `json:"message_count"`
	State        ConnState `json:"state"`
}

// RoomStats holds the per-room counters reported by the registry.
type RoomStats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

// RegistryStats is a point-in-time snapshot of the connection registry.
// TotalConnections always equals the sum of Rooms[*].Connections.
type RegistryStats struct {
	TotalConnections int                  `json:"total_connections"`
	ActiveRooms      int                  `json:"active_rooms"`
	TotalUsers       int                  `json:"total_users"`
	Rooms            map[string]RoomStats `json:"rooms"`
}

// Vec3 is a point or direction in the shared 3D space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is an orientation.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// SpatialPose is the last reported pose of one user in one room.
type SpatialPose struct {
	Position      Vec3            `json:"position"`
	Rotation      Quaternion      `json:"rotation"`
	HeadPosition  Vec3            `json:"head_position"`
	HandPositions map[string]Vec3 `json:"hand_positions,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// LastInteraction is the most recent interaction with a shared object.
type LastInteraction struct {
	UserID    string          `json:"user_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"interaction_data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WhiteboardEntry is one accepted whiteboard edit. Strokes are opaque to the server.
type WhiteboardEntry struct {
	UserID    string            `json:"user_id"`
	Strokes   []json.RawMessage `json:"strokes"`
	Timestamp time.Time         `json:"timestamp"`
}

// Whiteboard is the append-only shared drawing surface of a session.
// Version == len(Entries) at all times.
type Whiteboard struct {
	Entries []WhiteboardEntry `json:"content"`
	Version int               `json:"version"`
}

// SessionSpec is the owner's request to open a collaborative session on a room.
type SessionSpec struct {
	RoomID           string `json:"room_id" validate:"required,entityid"`
	OwnerID          string `json:"owner_id" validate:"required,entityid"`
	MaxParticipants  int    `json:"max_participants" validate:"gte=0,lte=1000"`
	RecordingEnabled bool   `json:"recording_enabled"`
}

// SessionInfo is the immutable metadata of a collaborative session.
type SessionInfo struct {
	SessionID        string    `json:"session_id"`
	RoomID           string    `json:"room_id"`
	OwnerID          string    `json:"owner_id"`
	MaxParticipants  int       `json:"max_participants"`
	CreatedAt        time.Time `json:"created_at"`
	RecordingEnabled bool      `json:"recording_enabled"`
}

// SessionSnapshot is a read-only copy of a session's shared state.
type SessionSnapshot struct {
	SessionInfo
	Participants []string                   `json:"participants"`
	Whiteboard   Whiteboard                 `json:"whiteboard"`
	Objects      map[string]LastInteraction `json:"objects"`
	Poses        map[string]SpatialPose     `json:"poses"`
}
