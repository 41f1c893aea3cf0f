package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags every envelope that crosses the transport.
type EventType string

const (
	EventUserJoined        EventType = "user_joined"
	EventUserLeft          EventType = "user_left"
	EventSpatialUpdate     EventType = "spatial_update"
	EventObjectInteraction EventType = "object_interaction"
	EventWhiteboardUpdate  EventType = "whiteboard_update"
)

// Event is the closed set of envelopes the server emits. Only the five
// structs in this file implement it.
type Event interface {
	Type() EventType
	isEvent()
}

// UserJoined announces a new connection in a room.
type UserJoined struct {
	UserID        string    `json:"user_id"`
	RoomUserCount int       `json:"room_user_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// UserLeft announces that a connection left a room.
type UserLeft struct {
	UserID        string    `json:"user_id"`
	RoomUserCount int       `json:"room_user_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// SpatialUpdate carries a user's latest pose to the rest of the room.
type SpatialUpdate struct {
	UserID        string          `json:"user_id"`
	Position      Vec3            `json:"position"`
	Rotation      Quaternion      `json:"rotation"`
	HeadPosition  Vec3            `json:"head_position"`
	HandPositions map[string]Vec3 `json:"hand_positions,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ObjectInteraction echoes an interaction with a shared object to the whole room.
type ObjectInteraction struct {
	ObjectID        string          `json:"object_id"`
	UserID          string          `json:"user_id"`
	Action          string          `json:"action"`
	InteractionData json.RawMessage `json:"interaction_data,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// WhiteboardUpdate carries the complete whiteboard after an edit.
type WhiteboardUpdate struct {
	Content   []WhiteboardEntry `json:"content"`
	Version   int               `json:"version"`
	UpdatedBy string            `json:"updated_by"`
	Timestamp time.Time         `json:"timestamp"`
}

func (UserJoined) Type() EventType        { return EventUserJoined }
func (UserLeft) Type() EventType          { return EventUserLeft }
func (SpatialUpdate) Type() EventType     { return EventSpatialUpdate }
func (ObjectInteraction) Type() EventType { return EventObjectInteraction }
func (WhiteboardUpdate) Type() EventType  { return EventWhiteboardUpdate }

func (UserJoined) isEvent()        {}
func (UserLeft) isEvent()          {}
func (SpatialUpdate) isEvent()     {}
func (ObjectInteraction) isEvent() {}
func (WhiteboardUpdate) isEvent()  {}

// The MarshalJSON methods flatten the payload next to the "type" tag.

func (e UserJoined) MarshalJSON() ([]byte, error) {
	type payload UserJoined
	return json.Marshal(struct {
		Type EventType `json:"type"`
		payload
	}{e.Type(), payload(e)})
}

func (e UserLeft) MarshalJSON() ([]byte, error) {
	type payload UserLeft
	return json.Marshal(struct {
		Type EventType `json:"type"`
		payload
	}{e.Type(), payload(e)})
}

func (e SpatialUpdate) MarshalJSON() ([]byte, error) {
	type payload SpatialUpdate
	return json.Marshal(struct {
		Type EventType `json:"type"`
		payload
	}{e.Type(), payload(e)})
}

func (e ObjectInteraction) MarshalJSON() ([]byte, error) {
	type payload ObjectInteraction
	return json.Marshal(struct {
		Type EventType `json:"type"`
		payload
	}{e.Type(), payload(e)})
}

func (e WhiteboardUpdate) MarshalJSON() ([]byte, error) {
	type payload WhiteboardUpdate
	return json.Marshal(struct {
		Type EventType `json:"type"`
		payload
	}{e.Type(), payload(e)})
}

// EncodeEvent serializes an event into its wire envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, ErrNilEvent
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Type(), err)
	}
	return data, nil
}

// DecodeEvent parses a server-emitted envelope back into its concrete type.
// Unknown tags are rejected.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var (
		ev  Event
		err error
	)
	switch head.Type {
	case EventUserJoined:
		var e UserJoined
		err = json.Unmarshal(data, &e)
		ev = e
	case EventUserLeft:
		var e UserLeft
		err = json.Unmarshal(data, &e)
		ev = e
	case EventSpatialUpdate:
		var e SpatialUpdate
		err = json.Unmarshal(data, &e)
		ev = e
	case EventObjectInteraction:
		var e ObjectInteraction
		err = json.Unmarshal(data, &e)
		ev = e
	case EventWhiteboardUpdate:
		var e WhiteboardUpdate
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return ev, nil
}
