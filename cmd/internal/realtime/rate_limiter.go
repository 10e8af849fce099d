package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter backed by a ring of
// the last limit event times.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter. Non-positive inputs use the defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether an event at now is permitted and records it if so.
// The oldest slot in the ring must have left the window for a new event to fit.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldest := r.ring[r.next]
	if !oldest.IsZero() && now.Sub(oldest) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}
