package router

import "errors"

// Router-specific error types
var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrSenderNotConnected = errors.New("sender not connected")
	ErrUnsupportedEvent   = errors.New("unsupported client event")
)
