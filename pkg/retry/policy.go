package retry

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/emberq/emberq/pkg/core"
)

// maxJitterFraction bounds the random delay inflation when jitter is on.
const maxJitterFraction = 0.25

// Policy decides whether a failed attempt is retried and how long to wait
// before the next one.
type Policy struct {
	// MaxRetries is the retry budget. Attempt numbering is zero-indexed:
	// a task with MaxRetries=3 executes at most 4 times.
	MaxRetries int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// ExponentialBase is the growth factor per attempt. Values below 1
	// are treated as 1 (constant delay).
	ExponentialBase float64

	// Jitter inflates each delay by a random fraction in [0, 0.25) to
	// avoid thundering herds.
	Jitter bool

	// RetryOnPatterns restricts retries to errors whose stringified form
	// contains one of the substrings. Empty means retry everything.
	RetryOnPatterns []string
}

// Default returns the policy used when a task registers none.
func Default() Policy {
	return Policy{
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return core.Configf("retry policy: negative max retries")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return core.Configf("retry policy: negative delay")
	}
	if p.MaxDelay != 0 && p.MaxDelay < p.InitialDelay {
		return core.Configf("retry policy: max delay %s below initial delay %s", p.MaxDelay, p.InitialDelay)
	}
	return nil
}

// Delay returns the wait before the given attempt. Attempts are 1-indexed
// here: Delay(1) is the wait before the first retry. With jitter disabled
// the sequence is monotone non-decreasing up to MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.ExponentialBase
	if base < 1 {
		base = 1
	}

	d := float64(p.InitialDelay) * math.Pow(base, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 1 + rand.Float64()*maxJitterFraction
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether the error warrants another attempt.
// attempt is the zero-indexed count of attempts already made.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		return false
	}
	if attempt >= p.MaxRetries {
		return false
	}
	if len(p.RetryOnPatterns) == 0 {
		return true
	}
	msg := err.Error()
	for _, pattern := range p.RetryOnPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
