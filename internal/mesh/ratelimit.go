package mesh

import (
	"sync"
	"time"
)

const (
	defaultRateWindow = time.Second
	limiterSweepSize  = 4096
)

// rateLimiter caps packets per source address over a rolling window.
// Exceeding it is a silent drop: an availability/fairness measure, not a
// security boundary on its own.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*rateBucket
}

type rateBucket struct {
	count int
	reset time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = defaultRateWindow
	}
	return &rateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*rateBucket),
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if r == nil || key == "" || r.limit <= 0 {
		return true
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok || now.After(b.reset) {
		if len(r.buckets) > limiterSweepSize {
			r.sweepLocked(now)
		}
		r.buckets[key] = &rateBucket{count: 1, reset: now.Add(r.window)}
		return true
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}

func (r *rateLimiter) sweepLocked(now time.Time) {
	for k, b := range r.buckets {
		if now.After(b.reset) {
			delete(r.buckets, k)
		}
	}
}
