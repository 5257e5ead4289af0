package engine

import (
	"sync"
	"time"

	"gatekit/core"
)

// ActivityLimiter caps how many times the same activity key may grant XP to
// the same user within a fixed window. It is an explicit, owned cache with a
// capacity bound and expired-bucket eviction rather than an unbounded map
// living for the process lifetime.
type ActivityLimiter struct {
	cap        int
	window     time.Duration
	maxEntries int

	mu      sync.Mutex
	buckets map[string]*windowCounter

	now func() time.Time
}

type windowCounter struct {
	start time.Time
	count int
}

// NewActivityLimiter builds a limiter granting at most cap hits per
// (user, activity) pair per window. maxEntries bounds the bucket cache.
func NewActivityLimiter(cap int, window time.Duration, maxEntries int) *ActivityLimiter {
	if cap <= 0 {
		cap = 1
	}
	if window <= 0 {
		window = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 16384
	}
	return &ActivityLimiter{
		cap:        cap,
		window:     window,
		maxEntries: maxEntries,
		buckets:    make(map[string]*windowCounter),
		now:        time.Now,
	}
}

// Allow reports whether the grant is inside the cap for the current window.
// A false return is a defined zero-effect outcome, not an error.
func (l *ActivityLimiter) Allow(user core.UserID, activity string) bool {
	now := l.now()
	key := string(user) + "|" + activity

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= l.window {
		if !ok && len(l.buckets) >= l.maxEntries {
			l.evictExpiredLocked(now)
		}
		l.buckets[key] = &windowCounter{start: now.Truncate(l.window), count: 1}
		return true
	}
	if b.count >= l.cap {
		return false
	}
	b.count++
	return true
}

// Refund returns a slot consumed by Allow when the grant it admitted failed
// to persist, so a store outage does not burn the user's capped attempts.
func (l *ActivityLimiter) Refund(user core.UserID, activity string) {
	key := string(user) + "|" + activity

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if ok && b.count > 0 && l.now().Sub(b.start) < l.window {
		b.count--
	}
}

// evictExpiredLocked drops buckets whose window has passed. Called only when
// the cache is at capacity, so the sweep cost stays off the hot path.
func (l *ActivityLimiter) evictExpiredLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.start) >= l.window {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of live buckets, for tests and diagnostics.
func (l *ActivityLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
