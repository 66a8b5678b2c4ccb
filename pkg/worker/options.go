package worker

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberq/emberq/pkg/core"
	"github.com/emberq/emberq/pkg/ratelimit"
	"github.com/emberq/emberq/pkg/revoke"
)

// Hooks observe the task lifecycle. Nil entries are skipped. Hooks run
// on the executing goroutine; slow hooks slow the worker down.
type Hooks struct {
	OnStart   func(env *core.Envelope)
	OnSuccess func(env *core.Envelope, res *core.TaskResult)
	OnFailure func(env *core.Envelope, res *core.TaskResult)
	OnRetry   func(env *core.Envelope, attempt int, delay time.Duration, err error)
}

// Options holds the worker configuration.
type Options struct {
	WorkerID      string
	Queues        []string
	Concurrency   int
	Prefetch      int
	BlockingSlots int
	ShutdownGrace time.Duration
	RateLimits    *ratelimit.Keyed
	Revocations   revoke.Store
	Hooks         Hooks
	Logger        zerolog.Logger
}

func defaultOptions() Options {
	host, _ := os.Hostname()
	return Options{
		WorkerID:      host + "-" + core.NewID(),
		Queues:        []string{"default"},
		Concurrency:   8,
		Prefetch:      4,
		BlockingSlots: 2,
		ShutdownGrace: 30 * time.Second,
		Logger:        zerolog.Nop(),
	}
}

// Option configures a Worker.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// WithWorkerID overrides the generated worker id.
func WithWorkerID(id string) Option {
	return optionFunc(func(o *Options) {
		if id != "" {
			o.WorkerID = id
		}
	})
}

// WithQueues sets the queues this worker consumes.
func WithQueues(queues ...string) Option {
	return optionFunc(func(o *Options) {
		if len(queues) > 0 {
			o.Queues = queues
		}
	})
}

// WithConcurrency bounds simultaneous task executions.
func WithConcurrency(n int) Option {
	return optionFunc(func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	})
}

// WithPrefetch bounds how many envelopes one fetch pulls per queue.
func WithPrefetch(n int) Option {
	return optionFunc(func(o *Options) {
		if n > 0 {
			o.Prefetch = n
		}
	})
}

// WithBlockingSlots bounds simultaneous executions of tasks registered
// as blocking.
func WithBlockingSlots(n int) Option {
	return optionFunc(func(o *Options) {
		if n > 0 {
			o.BlockingSlots = n
		}
	})
}

// WithShutdownGrace sets how long running tasks get to finish after a
// stop signal before their contexts are cancelled.
func WithShutdownGrace(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		if d >= 0 {
			o.ShutdownGrace = d
		}
	})
}

// WithRateLimits attaches per-task rate limits.
func WithRateLimits(limits *ratelimit.Keyed) Option {
	return optionFunc(func(o *Options) { o.RateLimits = limits })
}

// WithRevocations attaches the revocation store consulted before and
// during execution.
func WithRevocations(rv revoke.Store) Option {
	return optionFunc(func(o *Options) { o.Revocations = rv })
}

// WithHooks attaches lifecycle hooks.
func WithHooks(h Hooks) Option {
	return optionFunc(func(o *Options) { o.Hooks = h })
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return optionFunc(func(o *Options) { o.Logger = log })
}
