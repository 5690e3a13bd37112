// Package ratelimit provides in-memory token bucket rate limiting for the
// HTTP API.
//
// Each (rule, key) pair gets an independent bucket holding Rule.Limit tokens,
// refilled continuously over Rule.Window. Limits are enforced per process: a
// multi-instance deployment multiplies the effective budget by the instance
// count.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"
)

// Rule describes a rate limit: at most Limit requests per Window for each key.
// Prefix namespaces the rule so the same key (an IP, a user ID) is limited
// independently by different endpoint groups.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result reports the outcome of a limiter check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the standard X-RateLimit-* headers for this result.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// bucket is a single token bucket for one (rule, key) pair.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// Limiter is an in-memory token bucket limiter, safe for concurrent use.
//
// A background goroutine evicts buckets idle for more than ten minutes to
// bound memory. Call Close to stop it.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a limiter and starts its eviction goroutine.
func New() *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow consumes one token from the bucket identified by rule and key.
// Remaining is the count of whole tokens left after this request. For denied
// requests ResetAt is when the next token becomes available; for allowed
// requests it is when the bucket is full again.
func (l *Limiter) Allow(_ context.Context, rule Rule, key string) Result {
	burst := float64(rule.Limit)
	rate := burst / rule.Window.Seconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	id := rule.Prefix + ":" + key
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{tokens: burst, lastAccess: now}
		l.buckets[id] = b
	} else {
		elapsed := now.Sub(b.lastAccess).Seconds()
		b.tokens += elapsed * rate
		if b.tokens > burst {
			b.tokens = burst
		}
		b.lastAccess = now
	}

	if b.tokens < 1 {
		wait := (1 - b.tokens) / rate
		return Result{
			Allowed: false,
			Limit:   rule.Limit,
			ResetAt: now.Add(time.Duration(wait * float64(time.Second))),
		}
	}

	b.tokens--
	refill := (burst - b.tokens) / rate
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: int(math.Floor(b.tokens)),
		ResetAt:   now.Add(time.Duration(refill * float64(time.Second))),
	}
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

func (l *Limiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for id, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
