// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client token buckets used to throttle
// TLS handshakes.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per client key. Buckets that refilled are
// dropped during periodic sweeps, so idle clients cost nothing.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	burst     int
	limit     rate.Limit
	lastSweep time.Time
	sweep     time.Duration
}

// NewLimiter creates a limiter allowing burst attempts per key, refilled at
// r tokens per second. A non-positive rate disables limiting.
func NewLimiter(r float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets:   make(map[string]*rate.Limiter),
		burst:     burst,
		limit:     rate.Limit(r),
		lastSweep: time.Now(),
		sweep:     time.Minute,
	}
}

// Allow reports whether key may proceed. A nil Limiter allows everything.
func (l *Limiter) Allow(key string) bool {
	return l.allowAt(key, time.Now())
}

func (l *Limiter) allowAt(key string, now time.Time) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.sweep {
		for k, b := range l.buckets {
			if b.TokensAt(now) >= float64(l.burst) {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	return b.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
