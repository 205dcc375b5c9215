// Package ratelimit bounds submission frequency with layered token buckets.
package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Rate defines one bucket layer: a capacity and a continuous refill rate.
type Rate struct {
	Capacity     float64
	RefillPerSec float64
}

// Key identifies one bucket: a layer name plus the subject being limited
// (identity id, identity+action, or client IP).
type Key struct {
	Layer   string
	Subject string
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter tracks token-bucket state per key. All reads and writes of one
// key's state happen under the registry lock, so concurrent requests for
// the same subject observe an atomic deduct-or-reject.
type Limiter struct {
	mu      sync.Mutex
	rates   map[string]Rate
	buckets map[Key]*bucket
}

// NewLimiter creates a limiter with one Rate per layer name.
func NewLimiter(rates map[string]Rate) *Limiter {
	copied := make(map[string]Rate, len(rates))
	for layer, rate := range rates {
		copied[strings.TrimSpace(layer)] = rate
	}
	return &Limiter{
		rates:   copied,
		buckets: make(map[Key]*bucket),
	}
}

// Allow attempts to deduct one token from every keyed bucket. The deduction
// is all-or-nothing: if any layer lacks a token, no layer is charged and
// the longest retry-after among failing layers is returned.
//
// Keys whose layer has no configured rate are ignored rather than treated
// as unlimited failures, so callers can pass optional layers untested.
func (l *Limiter) Allow(now time.Time, keys ...Key) (bool, time.Duration) {
	if l == nil || len(keys) == 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	type charge struct {
		b *bucket
	}
	charges := make([]charge, 0, len(keys))
	blocked := false
	var retryAfter time.Duration

	for _, key := range keys {
		rate, ok := l.rates[key.Layer]
		if !ok || strings.TrimSpace(key.Subject) == "" {
			continue
		}
		b := l.bucketLocked(key, rate, now)
		refillLocked(b, rate, now)
		if b.tokens < 1 {
			blocked = true
			if rate.RefillPerSec > 0 {
				needed := (1 - b.tokens) / rate.RefillPerSec
				wait := time.Duration(math.Ceil(needed * float64(time.Second)))
				if wait > retryAfter {
					retryAfter = wait
				}
			}
			continue
		}
		charges = append(charges, charge{b: b})
	}

	if blocked {
		return false, retryAfter
	}
	for _, c := range charges {
		c.b.tokens--
	}
	return true, 0
}

func (l *Limiter) bucketLocked(key Key, rate Rate, now time.Time) *bucket {
	if b, ok := l.buckets[key]; ok {
		return b
	}
	l.evictIdleLocked(now)
	b := &bucket{tokens: rate.Capacity, lastRefill: now}
	l.buckets[key] = b
	return b
}

func refillLocked(b *bucket, rate Rate, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(rate.Capacity, b.tokens+elapsed*rate.RefillPerSec)
		b.lastRefill = now
	}
}

// evictIdleLocked drops buckets that have been idle long enough to be full
// again, keeping the registry bounded by active subjects.
func (l *Limiter) evictIdleLocked(now time.Time) {
	for key, b := range l.buckets {
		rate, ok := l.rates[key.Layer]
		if !ok {
			delete(l.buckets, key)
			continue
		}
		if rate.RefillPerSec <= 0 {
			continue
		}
		fullAfter := time.Duration(rate.Capacity / rate.RefillPerSec * float64(time.Second))
		if now.Sub(b.lastRefill) > fullAfter {
			delete(l.buckets, key)
		}
	}
}
