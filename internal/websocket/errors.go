package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrInvalidIdentity  = errors.New("room_id and user_id must be 1-64 characters, alphanumeric + underscore/hyphen only")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before joining a room")
	ErrAlreadyJoined              = errors.New("connection already joined")
	ErrConnectionNotFound         = errors.New("connection not found")
	ErrRoomNotFound               = errors.New("room not found")

	// errRoomRetired is returned to callers that raced with a room actor shutting down.
	errRoomRetired = errors.New("room retired")
)
