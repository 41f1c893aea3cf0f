package router

import (
	"sync"
	"time"
)

// DefaultLimitPerMinute is applied when the configured limit is not positive.
const DefaultLimitPerMinute = 100

// RateLimiter implements per-user rate limiting
// ARCHITECTURAL DISCOVERY: Per-user state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*clientLimit
	now     func() time.Time
}

// clientLimit tracks one user's current window.
type clientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter allows limit events per user per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultLimitPerMinute
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*clientLimit),
		now:     time.Now,
	}
}

// Allow reports whether userID may send another event in the current window.
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limit, exists := rl.clients[userID]
	if !exists || now.Sub(limit.windowStart) >= rl.window {
		rl.clients[userID] = &clientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}
	limit.messageCount++
	return true
}

// Cleanup removes users idle for more than five windows (call periodically)
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for userID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, userID)
		}
	}
}

// Tracked returns how many users currently hold limiter state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
