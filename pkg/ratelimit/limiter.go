// Package ratelimit applies fixed-window request limits to gateway callers.
// Keys are caller user ids (or client IPs for anonymous traffic), so one
// runaway agent cannot crowd out proposals from everyone else.
package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole-second wait a throttled caller should be told,
// suitable for a Retry-After header. Never less than 1 for a denial.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(time.Until(d.ResetAt).Seconds())
	if !now.IsZero() {
		secs = int(d.ResetAt.Sub(now).Seconds())
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is the single-process fallback used when Redis is not
// configured. Counters reset on restart, which is acceptable for a limiter.
type InMemoryLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	buckets   map[string]bucket
	lastSweep time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		buckets: make(map[string]bucket),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > l.window {
		l.sweep(now)
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = bucket{resetAt: now.Add(l.window)}
	}
	b.count++
	l.buckets[key] = b
	return decide(b.count, limit, b.resetAt)
}

// sweep drops expired buckets so idle callers do not accumulate forever.
func (l *InMemoryLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
