package auth

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var errRateLimited = errors.New("auth: too many login attempts")

// LoginLimiter throttles login attempts per key (client IP + username).
// Buckets idle for longer than ttl are evicted by a sweep that runs at
// most once per ttl, so Allow stays constant time between sweeps.
type LoginLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	now       func() time.Time
	entries   map[string]*limBucket
	lastSweep time.Time
}

type limBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLoginLimiter allows perSecond sustained attempts with the given burst.
func NewLoginLimiter(perSecond float64, burst int, ttl time.Duration) *LoginLimiter {
	return &LoginLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*limBucket),
	}
}

// Allow consumes one attempt for key.
func (l *LoginLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.entries[key]
	if b == nil {
		b = &limBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = b
	}
	b.lastSeen = now

	if l.lastSweep.IsZero() {
		l.lastSweep = now
	} else if now.Sub(l.lastSweep) >= l.ttl {
		l.sweep(now)
	}
	return b.lim.AllowN(now, 1)
}

// sweep drops idle buckets. Callers hold l.mu.
func (l *LoginLimiter) sweep(now time.Time) {
	for k, v := range l.entries {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.entries, k)
		}
	}
	l.lastSweep = now
}

// Reset forgets the bucket for key, used after a successful login.
func (l *LoginLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

func (l *LoginLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
