package interfaces

import "errors"

// Common errors shared across component boundaries
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists for room")
	ErrSessionFull       = errors.New("session has reached max participants")
	ErrRecordingNotFound = errors.New("recording not found")
)
