package mcpserve

import (
	"sync"

	"golang.org/x/time/rate"
)

// SessionRateLimiter holds one token bucket per session. Buckets refill
// lazily on each Allow call; there is no background timer. Burst capacity
// defaults to twice the rate.
type SessionRateLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// NewSessionRateLimiter creates a limiter allowing rps requests per second
// per session. A non-positive rps disables limiting.
func NewSessionRateLimiter(rps float64) *SessionRateLimiter {
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}
	return &SessionRateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether rate limiting is active.
func (l *SessionRateLimiter) Enabled() bool {
	return l != nil && l.rps > 0
}

// Allow consumes one token from the session's bucket, creating the bucket on
// first use. Exactly one token is consumed per client-to-server request;
// server-to-client responses never pass through here.
func (l *SessionRateLimiter) Allow(sessionID string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.buckets[sessionID]
	if !ok {
		bucket = rate.NewLimiter(l.rps, l.burst)
		l.buckets[sessionID] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Cleanup drops the bucket for an evicted session.
func (l *SessionRateLimiter) Cleanup(sessionID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, sessionID)
	l.mu.Unlock()
}

// BucketCount returns the number of live buckets.
func (l *SessionRateLimiter) BucketCount() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Clear drops every bucket.
func (l *SessionRateLimiter) Clear() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.buckets = make(map[string]*rate.Limiter)
	l.mu.Unlock()
}
