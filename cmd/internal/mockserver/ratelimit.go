package mockserver

import (
	"sync"
	"time"
)

const (
	rateLimitEvents = 20
	rateLimitWindow = 10 * time.Second
)

// rateLimiter is a per-connection sliding-window limiter.
type rateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &rateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at now is permitted.
func (r *rateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
