package core

import (
	"encoding/json"
	"time"
)

// Limits applied to user-supplied values.
const (
	MaxTaskNameLength  = 255
	MaxQueueNameLength = 255
	MaxArgsSize        = 1 << 20 // 1 MiB of serialized arguments
	MaxRetriesLimit    = 100
)

// SerializerJSON is the only serializer shipped with the core; the option
// exists so drivers can negotiate alternates.
const SerializerJSON = "json"

// TaskOptions enumerates the recognized submission knobs. Precedence when
// merging: call-site > task defaults > global defaults.
type TaskOptions struct {
	Queue         string
	Countdown     time.Duration
	ETA           *time.Time
	Expires       *time.Time
	MaxRetries    int
	CorrelationID string
	Priority      int
	Serializer    string
	Kwargs        map[string]any

	// RetryPolicy is a call-site retry policy override, carried in its
	// wire encoding so this package stays independent of the retry
	// package. retry.WithPolicy fills it.
	RetryPolicy json.RawMessage
}

// DefaultTaskOptions returns the global defaults.
func DefaultTaskOptions() TaskOptions {
	return TaskOptions{
		Queue:      "default",
		MaxRetries: 3,
		Serializer: SerializerJSON,
	}
}

// Merge overlays non-zero fields of other on top of o and returns the result.
func (o TaskOptions) Merge(other TaskOptions) TaskOptions {
	out := o
	if other.Queue != "" {
		out.Queue = other.Queue
	}
	if other.Countdown != 0 {
		out.Countdown = other.Countdown
	}
	if other.ETA != nil {
		out.ETA = other.ETA
	}
	if other.Expires != nil {
		out.Expires = other.Expires
	}
	if other.MaxRetries != 0 {
		out.MaxRetries = other.MaxRetries
	}
	if other.CorrelationID != "" {
		out.CorrelationID = other.CorrelationID
	}
	if other.Priority != 0 {
		out.Priority = other.Priority
	}
	if other.Serializer != "" {
		out.Serializer = other.Serializer
	}
	if other.Kwargs != nil {
		out.Kwargs = other.Kwargs
	}
	if len(other.RetryPolicy) > 0 {
		out.RetryPolicy = other.RetryPolicy
	}
	return out
}

// ClampRetries bounds a retry count to [0, MaxRetriesLimit].
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetriesLimit {
		return MaxRetriesLimit
	}
	return n
}

// Option modifies TaskOptions.
type Option interface {
	Apply(*TaskOptions)
}

type optionFunc func(*TaskOptions)

func (f optionFunc) Apply(o *TaskOptions) { f(o) }

// WithQueue routes the task to a specific queue, bypassing the router.
func WithQueue(name string) Option {
	return optionFunc(func(o *TaskOptions) { o.Queue = name })
}

// WithCountdown delays execution by a duration from submission time.
func WithCountdown(d time.Duration) Option {
	return optionFunc(func(o *TaskOptions) { o.Countdown = d })
}

// WithETA sets the earliest execution instant.
func WithETA(t time.Time) Option {
	return optionFunc(func(o *TaskOptions) { o.ETA = &t })
}

// WithExpires drops the task with a Rejected outcome after the instant.
func WithExpires(t time.Time) Option {
	return optionFunc(func(o *TaskOptions) { o.Expires = &t })
}

// WithMaxRetries overrides the retry budget for this submission.
func WithMaxRetries(n int) Option {
	return optionFunc(func(o *TaskOptions) { o.MaxRetries = ClampRetries(n) })
}

// WithCorrelationID tags the envelope for tracing across systems.
func WithCorrelationID(id string) Option {
	return optionFunc(func(o *TaskOptions) { o.CorrelationID = id })
}

// WithPriority sets the priority hint carried in the envelope headers.
func WithPriority(p int) Option {
	return optionFunc(func(o *TaskOptions) { o.Priority = p })
}

// WithSerializer selects the payload serializer.
func WithSerializer(name string) Option {
	return optionFunc(func(o *TaskOptions) { o.Serializer = name })
}

// WithKwargs attaches keyword arguments to the envelope.
func WithKwargs(kwargs map[string]any) Option {
	return optionFunc(func(o *TaskOptions) { o.Kwargs = kwargs })
}
