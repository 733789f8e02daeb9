package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter enforces a maximum number of events per client within a time window.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	clients map[string][]time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events per client per window.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{
		window:  window,
		limit:   limit,
		now:     timeSource,
		clients: make(map[string][]time.Time),
	}
}

// Allow reports whether client may proceed. When denied it also returns how
// long until the oldest event in the window expires.
func (l *SlidingWindowLimiter) Allow(client string) (bool, time.Duration) {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	//1.- Drop expired events for every client so idle entries do not accumulate.
	now := l.now()
	cutoff := now.Add(-l.window)
	for key, events := range l.clients {
		kept := events[:0]
		for _, ts := range events {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.clients, key)
			continue
		}
		l.clients[key] = kept
	}

	//2.- Deny once the client filled its window.
	events := l.clients[client]
	if len(events) >= l.limit {
		return false, events[0].Sub(cutoff)
	}
	l.clients[client] = append(events, now)
	return true, 0
}

// Clients reports how many clients currently hold events in the window.
func (l *SlidingWindowLimiter) Clients() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
