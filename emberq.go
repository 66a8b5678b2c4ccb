// Package emberq provides a distributed task queue with pluggable
// brokers and result backends.
//
// This is the main package users should import. It re-exports the
// public types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Create a broker, a backend and a registry
//	br := emberq.NewMemoryBroker()
//	bk := emberq.NewMemoryBackend()
//	reg := emberq.NewRegistry()
//
//	// Register a task
//	reg.Register("math.add", func(ctx context.Context, a, b int) (int, error) {
//	    return a + b, nil
//	})
//
//	// Submit and await
//	p, _ := emberq.NewProducer(br, bk, emberq.WithRegistry(reg))
//	res, _ := p.Submit(ctx, "math.add", []any{2, 3})
//
//	// Start a worker
//	w, _ := emberq.NewWorker(br, bk, reg)
//	w.Run(ctx)
package emberq

import (
	"time"

	"github.com/emberq/emberq/pkg/backend"
	"github.com/emberq/emberq/pkg/broker"
	"github.com/emberq/emberq/pkg/client"
	"github.com/emberq/emberq/pkg/core"
	"github.com/emberq/emberq/pkg/ratelimit"
	"github.com/emberq/emberq/pkg/registry"
	"github.com/emberq/emberq/pkg/retry"
	"github.com/emberq/emberq/pkg/revoke"
	"github.com/emberq/emberq/pkg/router"
	"github.com/emberq/emberq/pkg/scheduler"
	"github.com/emberq/emberq/pkg/workflow"
	"github.com/emberq/emberq/pkg/worker"
)

// Type aliases for the public API
type (
	// Envelope is the wire message describing one task invocation.
	Envelope = core.Envelope

	// TaskResult is the stored outcome of a task.
	TaskResult = core.TaskResult

	// TaskState names a lifecycle state.
	TaskState = core.TaskState

	// TaskOptions enumerates the submission knobs.
	TaskOptions = core.TaskOptions

	// Option modifies TaskOptions at submission.
	Option = core.Option

	// NoRetryError indicates an error that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError forces a retry after a fixed delay.
	RetryAfterError = core.RetryAfterError

	// MaxRetriesError is the terminal error after an exhausted budget.
	MaxRetriesError = core.MaxRetriesError

	// ConfigError reports invalid configuration or input.
	ConfigError = core.ConfigError

	// Broker moves envelopes between producers and workers.
	Broker = broker.Broker

	// Delivery is one fetched envelope plus its settlement receipt.
	Delivery = broker.Delivery

	// Capabilities advertises what a broker driver supports natively.
	Capabilities = broker.Capabilities

	// Handler consumes one pushed delivery from a broker subscription.
	Handler = broker.Handler

	// Backend stores task state, results and coordination records.
	Backend = backend.Backend

	// Registry maps task names to executables and their defaults.
	Registry = registry.Registry

	// RegisterOption configures one task registration.
	RegisterOption = registry.RegisterOption

	// Executable is the unit the worker runs.
	Executable = registry.Executable

	// Router maps task names to queues by exact and glob rules.
	Router = router.Router

	// RetryPolicy decides whether and when a failed attempt reruns.
	RetryPolicy = retry.Policy

	// Producer submits tasks and workflows.
	Producer = client.Producer

	// AsyncResult is the handle for one submitted task.
	AsyncResult = client.AsyncResult

	// GroupResult is the handle for a submitted group.
	GroupResult = client.GroupResult

	// Worker consumes queues and executes tasks.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.Option

	// Hooks observe the task lifecycle on a worker.
	Hooks = worker.Hooks

	// Signature is one task invocation inside a workflow.
	Signature = workflow.Signature

	// Chain runs tasks sequentially, piping each result forward.
	Chain = workflow.Chain

	// Group runs tasks in parallel.
	Group = workflow.Group

	// Chord runs a group and then a callback over its results.
	Chord = workflow.Chord

	// Schedule decides when a periodic task fires next.
	Schedule = scheduler.Schedule

	// BeatEntry is one periodic task definition.
	BeatEntry = scheduler.Entry

	// Beat fires periodic tasks on their schedules.
	Beat = scheduler.Beat

	// Relay promotes staged delayed envelopes onto their target queues.
	Relay = scheduler.Relay

	// RevocationStore answers "is this task revoked" for workers.
	RevocationStore = revoke.Store

	// RateLimiter admits or defers executions.
	RateLimiter = ratelimit.Limiter

	// KeyedRateLimits holds per-task-name rate limiters.
	KeyedRateLimits = ratelimit.Keyed
)

// Task states
const (
	StatePending  = core.StatePending
	StateReceived = core.StateReceived
	StateStarted  = core.StateStarted
	StateSuccess  = core.StateSuccess
	StateFailure  = core.StateFailure
	StateRetry    = core.StateRetry
	StateRevoked  = core.StateRevoked
	StateRejected = core.StateRejected
)

// Limits applied to user-supplied values
const (
	MaxTaskNameLength  = core.MaxTaskNameLength
	MaxQueueNameLength = core.MaxQueueNameLength
	MaxArgsSize        = core.MaxArgsSize
	MaxRetriesLimit    = core.MaxRetriesLimit
)

// Sentinel errors
var (
	ErrNotFound       = core.ErrNotFound
	ErrInvalidTaskID  = core.ErrInvalidTaskID
	ErrDuplicateTask  = core.ErrDuplicateTask
	ErrRevoked        = core.ErrRevoked
	ErrRateLimited    = core.ErrRateLimited
	ErrExpired        = core.ErrExpired
	ErrTimeout        = core.ErrTimeout
	ErrResultNotReady = core.ErrResultNotReady
	ErrClosed         = core.ErrClosed
	ErrNotSupported   = core.ErrNotSupported

	ErrInvalidTransition = core.ErrInvalidTransition
)

// NewRegistry creates a task registry.
func NewRegistry(opts ...registry.Option) *Registry {
	return registry.New(opts...)
}

// NewRouter creates a router with the given default queue.
func NewRouter(defaultQueue string) *Router {
	return router.New(defaultQueue)
}

// NewProducer creates a producer over a broker and backend.
func NewProducer(br Broker, bk Backend, opts ...client.Option) (*Producer, error) {
	return client.New(br, bk, opts...)
}

// NewWorker creates a worker.
func NewWorker(br Broker, bk Backend, reg *Registry, opts ...WorkerOption) (*Worker, error) {
	return worker.New(br, bk, reg, opts...)
}

// NewMemoryBroker creates the in-process broker.
func NewMemoryBroker(opts ...broker.MemoryOption) *broker.Memory {
	return broker.NewMemory(opts...)
}

// NewMemoryBackend creates the in-process backend.
func NewMemoryBackend(opts ...backend.MemoryOption) *backend.Memory {
	return backend.NewMemory(opts...)
}

// DefaultRetryPolicy returns the policy used when a task registers none.
func DefaultRetryPolicy() RetryPolicy {
	return retry.Default()
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to force a retry after a fixed delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// ValidateTaskName validates a task name.
func ValidateTaskName(name string) error {
	return registry.ValidateTaskName(name)
}

// ValidateQueueName validates a queue name.
func ValidateQueueName(name string) error {
	return broker.ValidateQueueName(name)
}

// Submission option functions

// WithQueue routes the task to a specific queue, bypassing the router.
func WithQueue(name string) Option { return core.WithQueue(name) }

// WithCountdown delays execution by a duration from submission time.
func WithCountdown(d time.Duration) Option { return core.WithCountdown(d) }

// WithETA sets the earliest execution instant.
func WithETA(t time.Time) Option { return core.WithETA(t) }

// WithExpires drops the task with a Rejected outcome after the instant.
func WithExpires(t time.Time) Option { return core.WithExpires(t) }

// WithMaxRetries overrides the retry budget for this submission.
func WithMaxRetries(n int) Option { return core.WithMaxRetries(n) }

// WithCorrelationID tags the envelope for tracing across systems.
func WithCorrelationID(id string) Option { return core.WithCorrelationID(id) }

// WithPriority sets the priority hint carried in the envelope headers.
func WithPriority(p int) Option { return core.WithPriority(p) }

// WithKwargs attaches keyword arguments to the envelope.
func WithKwargs(kwargs map[string]any) Option { return core.WithKwargs(kwargs) }

// WithRetry overrides the registered retry policy for this submission.
func WithRetry(p RetryPolicy) Option { return retry.WithPolicy(p) }

// Registration option functions

// WithDefaults sets per-task submission defaults.
func WithDefaults(opts ...Option) RegisterOption { return registry.WithDefaults(opts...) }

// WithRetryPolicy sets the task's retry policy.
func WithRetryPolicy(p RetryPolicy) RegisterOption { return registry.WithRetryPolicy(p) }

// WithTimeout bounds a single execution attempt.
func WithTimeout(d time.Duration) RegisterOption { return registry.WithTimeout(d) }

// AsBlocking marks the task for the worker's bounded blocking pool.
func AsBlocking() RegisterOption { return registry.AsBlocking() }

// Producer option functions

// WithRegistry attaches a registry to a producer.
func WithRegistry(reg *Registry) client.Option { return client.WithRegistry(reg) }

// Workflow builders

// Task builds a workflow signature.
func Task(name string, args ...any) Signature { return workflow.Task(name, args...) }

// NewChain composes tasks sequentially; each result feeds the next.
func NewChain(tasks ...Signature) Chain { return workflow.NewChain(tasks...) }

// NewGroup composes tasks for parallel execution.
func NewGroup(tasks ...Signature) Group { return workflow.NewGroup(tasks...) }

// NewChord runs a group and then a callback over the collected results.
func NewChord(header Group, body Signature) Chord { return workflow.NewChord(header, body) }

// Schedule constructors

// Every runs at fixed intervals.
func Every(d time.Duration) Schedule { return scheduler.Every(d) }

// Daily runs at a specific time each day.
func Daily(hour, minute int) Schedule { return scheduler.Daily(hour, minute) }

// Weekly runs at a specific day and time each week.
func Weekly(day time.Weekday, hour, minute int) Schedule { return scheduler.Weekly(day, hour, minute) }

// Cron parses a five-field cron expression into a schedule.
func Cron(expr string) (Schedule, error) { return scheduler.Cron(expr) }

// MustCron is Cron panicking on a bad expression.
func MustCron(expr string) Schedule { return scheduler.MustCron(expr) }

// NewBeat creates the periodic submitter. Pass Producer.SubmitID as the
// submit function.
func NewBeat(entries []BeatEntry, submit scheduler.SubmitFunc, slots Backend, opts ...scheduler.BeatOption) (*Beat, error) {
	return scheduler.NewBeat(entries, submit, slots, opts...)
}

// NewRelay creates the delayed-envelope relay for brokers without
// native delayed publish.
func NewRelay(br Broker, queues []string, opts ...scheduler.RelayOption) *Relay {
	return scheduler.NewRelay(br, queues, opts...)
}

// NewRevocationStore creates a backend-synced revocation store shared
// across processes through broker broadcasts.
func NewRevocationStore(bk Backend, br Broker, opts ...revoke.SharedOption) (RevocationStore, error) {
	return revoke.NewShared(bk, br, opts...)
}

// NewRateLimits creates an empty per-task rate limiter set. Install
// limits with Set or SetSpec ("10/s", "100/m") and attach it to a
// worker with WithRateLimits.
func NewRateLimits() *KeyedRateLimits {
	return ratelimit.NewKeyed()
}

// ResultFor returns a result handle for an already-submitted task id.
func ResultFor(id string, bk Backend) *AsyncResult {
	return client.NewAsyncResult(id, bk)
}
