package ratelimit

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emberq/emberq/pkg/core"
)

// Decision is the outcome of an admission check.
type Decision struct {
	OK         bool
	RetryAfter time.Duration
}

// Limiter admits or defers one event at a time.
type Limiter interface {
	// Allow consumes one slot if available. When the budget is
	// exhausted it reports how long until a slot frees up.
	Allow(now time.Time) Decision
}

// Keyed maps task names to their limiters. Names without a limiter are
// always admitted.
type Keyed struct {
	mu       sync.RWMutex
	limiters map[string]Limiter
}

// NewKeyed creates an empty keyed limiter set.
func NewKeyed() *Keyed {
	return &Keyed{limiters: make(map[string]Limiter)}
}

// Set installs or replaces the limiter for a task name.
func (k *Keyed) Set(name string, l Limiter) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.limiters[name] = l
}

// SetSpec installs a token bucket from a textual rate spec.
func (k *Keyed) SetSpec(name, spec string) error {
	rate, interval, err := ParseSpec(spec)
	if err != nil {
		return err
	}
	k.Set(name, NewTokenBucket(rate, float64(rate)/interval.Seconds()))
	return nil
}

// Allow checks the limiter for a task name, admitting unknown names.
func (k *Keyed) Allow(name string, now time.Time) Decision {
	k.mu.RLock()
	l, ok := k.limiters[name]
	k.mu.RUnlock()
	if !ok {
		return Decision{OK: true}
	}
	return l.Allow(now)
}

// ParseSpec parses rate specs of the form "10/s", "100/m", "500/h".
// A bare number means events per second.
func ParseSpec(spec string) (rate int, interval time.Duration, err error) {
	num := spec
	interval = time.Second
	if i := strings.IndexByte(spec, '/'); i >= 0 {
		num = spec[:i]
		switch spec[i+1:] {
		case "s":
			interval = time.Second
		case "m":
			interval = time.Minute
		case "h":
			interval = time.Hour
		default:
			return 0, 0, core.Configf("invalid rate spec %q: unit must be s, m or h", spec)
		}
	}
	rate, err = strconv.Atoi(num)
	if err != nil || rate <= 0 {
		return 0, 0, core.Configf("invalid rate spec %q: rate must be a positive integer", spec)
	}
	return rate, interval, nil
}
