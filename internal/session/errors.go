package session

import "errors"

// Coordinator input errors. Lookup and state errors are shared through pkg/interfaces.
var (
	ErrInvalidUserID   = errors.New("user_id must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidObjectID = errors.New("object_id must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrEmptyAction     = errors.New("action cannot be empty")
	ErrEmptyStrokes    = errors.New("whiteboard update must carry at least one stroke")
)
