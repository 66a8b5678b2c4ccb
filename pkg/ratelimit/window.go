package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow admits at most maxEvents events per rolling window.
// Unlike a token bucket it never over-admits after idle periods, at the
// cost of remembering one timestamp per admitted event.
type SlidingWindow struct {
	mu        sync.Mutex
	maxEvents int
	window    time.Duration
	events    []time.Time
}

// NewSlidingWindow creates a limiter admitting maxEvents per window.
func NewSlidingWindow(maxEvents int, window time.Duration) *SlidingWindow {
	if maxEvents < 1 {
		maxEvents = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{maxEvents: maxEvents, window: window}
}

func (w *SlidingWindow) Allow(now time.Time) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	keep := 0
	for _, ts := range w.events {
		if ts.After(cutoff) {
			w.events[keep] = ts
			keep++
		}
	}
	w.events = w.events[:keep]

	if len(w.events) < w.maxEvents {
		w.events = append(w.events, now)
		return Decision{OK: true}
	}

	// The oldest event leaving the window frees the next slot.
	wait := w.events[0].Add(w.window).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return Decision{RetryAfter: wait}
}
