package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding window counter keyed by an arbitrary string, used by
// the development backend to cap messages per chat session.
type Limiter struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	window  time.Duration
	maxHits int
	now     func() time.Time
}

func NewLimiter(window time.Duration, maxHits int) *Limiter {
	return &Limiter{
		hits:    make(map[string][]time.Time),
		window:  window,
		maxHits: maxHits,
		now:     time.Now,
	}
}

// Allow records a hit for key and reports whether it fits in the window.
// A non-positive maxHits disables limiting.
func (l *Limiter) Allow(key string) bool {
	if l.maxHits <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)

	valid := l.hits[key][:0]
	for _, hit := range l.hits[key] {
		if hit.After(windowStart) {
			valid = append(valid, hit)
		}
	}

	if len(valid) >= l.maxHits {
		l.hits[key] = valid
		return false
	}

	l.hits[key] = append(valid, now)
	return true
}

// Forget drops all hits for key, e.g. when its socket closes.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
}
