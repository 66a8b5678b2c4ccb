package client

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberq/emberq/pkg/backend"
	"github.com/emberq/emberq/pkg/broker"
	"github.com/emberq/emberq/pkg/core"
	"github.com/emberq/emberq/pkg/registry"
	"github.com/emberq/emberq/pkg/revoke"
)

// Option configures a Producer.
type Option func(*Producer)

// WithRegistry attaches a registry, enabling router rules and per-task
// defaults on the producer side.
func WithRegistry(reg *registry.Registry) Option {
	return func(p *Producer) { p.reg = reg }
}

// WithRevocations attaches a revocation store used by Revoke. Without
// one, revocations are written straight to the backend and reach
// workers on their next reload.
func WithRevocations(rv revoke.Store) Option {
	return func(p *Producer) { p.rv = rv }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Producer) { p.log = log }
}

// Producer submits tasks and workflows.
type Producer struct {
	br  broker.Broker
	bk  backend.Backend
	reg *registry.Registry
	rv  revoke.Store
	log zerolog.Logger
}

// New creates a producer over a broker and backend.
func New(br broker.Broker, bk backend.Backend, opts ...Option) (*Producer, error) {
	if br == nil || bk == nil {
		return nil, core.Configf("producer needs a broker and a backend")
	}
	p := &Producer{br: br, bk: bk, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Backend exposes the backend for result handles built elsewhere.
func (p *Producer) Backend() backend.Backend { return p.bk }

func (p *Producer) resolveOptions(name string, callOpts []core.Option) (merged, callSite core.TaskOptions) {
	for _, opt := range callOpts {
		opt.Apply(&callSite)
	}
	if p.reg != nil {
		return p.reg.ResolveOptions(name, callOpts...), callSite
	}
	return core.DefaultTaskOptions().Merge(callSite), callSite
}

func (p *Producer) route(name string, args *core.Envelope, opts core.TaskOptions) (string, error) {
	if opts.Queue != "" {
		return opts.Queue, nil
	}
	if p.reg != nil {
		return p.reg.Route(name, args.Args)
	}
	return core.DefaultTaskOptions().Queue, nil
}

func argsSize(env *core.Envelope) int {
	n := 0
	for _, a := range env.Args {
		n += len(a)
	}
	return n
}

// buildEnvelope assembles a validated envelope from a submission.
func (p *Producer) buildEnvelope(name string, args []any, merged, callSite core.TaskOptions) (*core.Envelope, error) {
	if err := registry.ValidateTaskName(name); err != nil {
		return nil, err
	}
	env, err := core.NewEnvelope(name, args...)
	if err != nil {
		return nil, err
	}
	if argsSize(env) > core.MaxArgsSize {
		return nil, core.Configf("task %q arguments exceed %d bytes", name, core.MaxArgsSize)
	}

	now := time.Now()
	if merged.ETA != nil {
		eta := *merged.ETA
		env.ETA = &eta
	} else if merged.Countdown > 0 {
		eta := now.Add(merged.Countdown)
		env.ETA = &eta
	}
	if merged.Expires != nil {
		exp := *merged.Expires
		env.Expires = &exp
	}
	env.CorrelationID = merged.CorrelationID
	env.RootID = env.ID

	if merged.Kwargs != nil {
		env.Kwargs = make(map[string]json.RawMessage, len(merged.Kwargs))
		for k, v := range merged.Kwargs {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, core.Configf("task %q kwarg %q: %v", name, k, err)
			}
			env.Kwargs[k] = raw
		}
	}

	if merged.Priority != 0 {
		env = env.WithHeader(core.HeaderPriority, strconv.Itoa(merged.Priority))
	}
	// The retry budget travels with the envelope only when the call
	// site pinned it; otherwise the worker's registered policy governs.
	if callSite.MaxRetries != 0 {
		env = env.WithHeader(core.HeaderMaxRetries, strconv.Itoa(core.ClampRetries(callSite.MaxRetries)))
	}
	if len(callSite.RetryPolicy) > 0 {
		env = env.WithHeader(core.HeaderRetryPolicy, string(callSite.RetryPolicy))
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// publish places an envelope on its queue, going through the delayed
// path when an ETA is set.
func (p *Producer) publish(ctx context.Context, queue string, env *core.Envelope) error {
	now := time.Now()
	if env.ETA != nil && env.ETA.After(now) {
		if p.br.Capabilities().DelayedPublish {
			return p.br.PublishDelayed(ctx, queue, env, *env.ETA)
		}
		// Park it for the relay.
		staged := env.WithHeader(core.HeaderTargetQueue, queue)
		return p.br.Publish(ctx, "scheduled."+queue, staged)
	}
	return p.br.Publish(ctx, queue, env)
}

// Submit publishes one task invocation.
func (p *Producer) Submit(ctx context.Context, name string, args []any, opts ...core.Option) (*AsyncResult, error) {
	merged, callSite := p.resolveOptions(name, opts)
	env, err := p.buildEnvelope(name, args, merged, callSite)
	if err != nil {
		return nil, err
	}
	queue, err := p.route(name, env, merged)
	if err != nil {
		return nil, err
	}
	if err := p.publish(ctx, queue, env); err != nil {
		return nil, err
	}
	p.log.Debug().Str("task", name).Str("task_id", env.ID).Str("queue", queue).Msg("submitted")
	return NewAsyncResult(env.ID, p.bk), nil
}

// SubmitID is Submit returning the bare task id; the scheduler beat
// plugs it in as its SubmitFunc.
func (p *Producer) SubmitID(ctx context.Context, name string, args []any, opts ...core.Option) (string, error) {
	res, err := p.Submit(ctx, name, args, opts...)
	if err != nil {
		return "", err
	}
	return res.ID(), nil
}

// Result returns a handle for an already-submitted task id.
func (p *Producer) Result(id string) *AsyncResult {
	return NewAsyncResult(id, p.bk)
}

// Revoke marks a task revoked. Terminate also cancels an execution
// already in flight.
func (p *Producer) Revoke(ctx context.Context, id string, terminate bool) error {
	if _, err := core.ParseID(id); err != nil {
		return err
	}
	if p.rv != nil {
		return p.rv.Revoke(ctx, id, terminate)
	}
	return p.bk.AddRevocation(ctx, id, terminate)
}

// HealthCheck verifies both the broker and the backend.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if err := p.br.HealthCheck(ctx); err != nil {
		return err
	}
	return p.bk.HealthCheck(ctx)
}
