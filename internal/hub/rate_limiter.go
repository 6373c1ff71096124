package hub

import (
	"sync"
	"time"

	"practicehub/internal/clock"
)

const (
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Minute
)

// RateLimiter implements per-user rate limiting of inbound events
// ARCHITECTURAL DISCOVERY: Per-user state tracking with proper cleanup prevents memory leaks
type RateLimiter struct {
	mu     sync.Mutex
	users  map[string]*userLimit
	limit  int
	window time.Duration
	clock  clock.Clock
}

// userLimit tracks rate limiting for a single user
// FUNCTIONAL DISCOVERY: Fixed window with reset provides an exact events-per-window limit
type userLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing limit events per window per user.
func NewRateLimiter(limit int, window time.Duration, clk clock.Clock) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &RateLimiter{
		users:  make(map[string]*userLimit),
		limit:  limit,
		window: window,
		clock:  clk,
	}
}

// Allow checks if the user may send another event in the current window
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()

	limit, exists := rl.users[userID]
	if !exists {
		// FUNCTIONAL DISCOVERY: First event always allowed, initialize tracking
		rl.users[userID] = &userLimit{count: 1, windowStart: now}
		return true
	}

	// TECHNICAL DISCOVERY: Window resets exactly once it has elapsed for consistent rate limiting
	if now.Sub(limit.windowStart) >= rl.window {
		limit.count = 1
		limit.windowStart = now
		return true
	}

	if limit.count >= rl.limit {
		return false
	}

	limit.count++
	return true
}

// Cleanup removes state for users idle longer than five windows (call periodically)
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for userID, limit := range rl.users {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.users, userID)
		}
	}
}

// Tracked returns how many users currently hold limiter state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.users)
}
