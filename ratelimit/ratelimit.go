// Package ratelimit implements the sliding-window limiter of spec.md §8
// ("N attempts per key per window"), keyed by composite strings the caller
// builds (e.g. "login:ip:1.2.3.4" or "login:email:a@b.com" so the same
// limiter instance can enforce both a per-IP and a per-email ceiling on the
// same endpoint). This is intentionally stdlib-only: none of the retrieved
// examples carry a rate-limiting library whose window semantics match "N
// events per rolling window per arbitrary composite key" (golang.org/x/
// time/rate is a token bucket, not a sliding counter, and doesn't key by
// arbitrary strings out of the box); see DESIGN.md for the full comparison.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter enforces "at most limit events per window" per key.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time
}

// New builds a Limiter allowing limit events per window, per key.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		events: map[string][]time.Time{},
	}
}

// Allow records one attempt for key at now and reports whether it is within
// the limit. Call sites pass the real clock in production and a fixed clock
// in tests.
func (l *Limiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	events := l.events[key]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.events[key] = kept
		return false
	}
	l.events[key] = append(kept, now)
	return true
}

// Reset clears any recorded attempts for key, used after a successful
// authentication to let a legitimate user immediately retry other flows.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, key)
}

// Sweep drops keys with no events newer than now-window, bounding memory use
// for a long-running process. Callers run this on a ticker.
func (l *Limiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	for key, events := range l.events {
		fresh := false
		for _, t := range events {
			if t.After(cutoff) {
				fresh = true
				break
			}
		}
		if !fresh {
			delete(l.events, key)
		}
	}
}
