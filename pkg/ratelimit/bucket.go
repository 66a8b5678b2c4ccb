package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket admits bursts up to its capacity and refills continuously
// at a fixed rate. The zero value is unusable; construct with
// NewTokenBucket.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	last       time.Time
}

// NewTokenBucket creates a full bucket holding capacity tokens that
// refills at refillRate tokens per second.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = float64(capacity)
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
	}
}

func (b *TokenBucket) Allow(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.last.IsZero() {
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * b.refillRate
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
		}
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{OK: true}
	}

	deficit := 1 - b.tokens
	wait := time.Duration(deficit / b.refillRate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return Decision{RetryAfter: wait}
}
