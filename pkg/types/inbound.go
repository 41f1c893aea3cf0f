package types

import (
	"encoding/json"
	"fmt"
)

// ClientEvent is the closed set of frames a client may send. Presence
// events are server-generated and never accepted from clients.
type ClientEvent interface {
	Type() EventType
	isClientEvent()
}

// PoseUpdate is a client's spatial_update frame.
type PoseUpdate struct {
	Position      Vec3            `json:"position"`
	Rotation      Quaternion      `json:"rotation"`
	HeadPosition  Vec3            `json:"head_position"`
	HandPositions map[string]Vec3 `json:"hand_positions" validate:"omitempty,max=2,dive,keys,oneof=left right,endkeys"`
}

// InteractionRequest is a client's object_interaction frame.
type InteractionRequest struct {
	ObjectID        string          `json:"object_id" validate:"required,entityid"`
	Action          string          `json:"action" validate:"required,max=64"`
	InteractionData json.RawMessage `json:"interaction_data"`
}

// StrokeRequest is a client's whiteboard_update frame.
type StrokeRequest struct {
	Strokes []json.RawMessage `json:"strokes" validate:"required,min=1,max=512"`
}

func (PoseUpdate) Type() EventType         { return EventSpatialUpdate }
func (InteractionRequest) Type() EventType { return EventObjectInteraction }
func (StrokeRequest) Type() EventType      { return EventWhiteboardUpdate }

func (PoseUpdate) isClientEvent()         {}
func (InteractionRequest) isClientEvent() {}
func (StrokeRequest) isClientEvent()      {}

// Pose converts the frame into the stored pose shape. The caller stamps the time.
func (p PoseUpdate) Pose() SpatialPose {
	return SpatialPose{
		Position:      p.Position,
		Rotation:      p.Rotation,
		HeadPosition:  p.HeadPosition,
		HandPositions: p.HandPositions,
	}
}

// DecodeClientEvent parses and validates an inbound frame. Anything that is
// not one of the three client event kinds is rejected with ErrInvalidEventType.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	var (
		ev  ClientEvent
		err error
	)
	switch head.Type {
	case EventSpatialUpdate:
		var e PoseUpdate
		err = json.Unmarshal(data, &e)
		ev = e
	case EventObjectInteraction:
		var e InteractionRequest
		err = json.Unmarshal(data, &e)
		ev = e
	case EventWhiteboardUpdate:
		var e StrokeRequest
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if err := ValidateStruct(ev); err != nil {
		return nil, err
	}
	return ev, nil
}
