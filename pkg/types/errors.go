package types

import "errors"

var (
	ErrNilEvent          = errors.New("event cannot be nil")
	ErrInvalidEventType  = errors.New("invalid event type")
	ErrMalformedEnvelope = errors.New("malformed event envelope")
	ErrValidation        = errors.New("validation failed")
)
