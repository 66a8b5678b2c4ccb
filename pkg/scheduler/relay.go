package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberq/emberq/pkg/broker"
	"github.com/emberq/emberq/pkg/core"
)

// MinPollInterval floors how tightly the relay re-checks a not-yet-due
// envelope, so a near-term ETA cannot degenerate into a busy loop.
const MinPollInterval = 100 * time.Millisecond

// RelayOption configures the relay.
type RelayOption func(*Relay)

// WithRelayLogger attaches a logger.
func WithRelayLogger(log zerolog.Logger) RelayOption {
	return func(r *Relay) { r.log = log }
}

// WithRelayBatch sets how many envelopes one sweep pulls per queue.
func WithRelayBatch(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// Relay moves envelopes from the scheduled staging area to their target
// queue once their ETA passes. Brokers with native delayed publish do
// not need it; for the others the producer parks delayed envelopes
// under the scheduled subject and the relay promotes them.
//
// Running several relays is safe: an envelope is held by exactly one
// relay at a time, and at-least-once semantics cover a crash between
// publish and ack.
type Relay struct {
	br     broker.Broker
	queues []string
	batch  int
	log    zerolog.Logger
}

// NewRelay creates a relay serving the given queues.
func NewRelay(br broker.Broker, queues []string, opts ...RelayOption) *Relay {
	r := &Relay{
		br:     br,
		queues: queues,
		batch:  16,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		if err := r.sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error().Err(err).Msg("relay sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(MinPollInterval):
		}
	}
}

func (r *Relay) sweep(ctx context.Context) error {
	if nats, ok := r.br.(*broker.NATS); ok && r.br.Capabilities().Wildcard {
		// One wildcard consumer covers every queue.
		deliveries, err := nats.FetchSubject(ctx, broker.ScheduledSubject(">"), "", r.batch)
		if err != nil {
			return err
		}
		return r.handle(ctx, deliveries)
	}
	for _, queue := range r.queues {
		deliveries, err := r.br.Fetch(ctx, "scheduled."+queue, r.batch)
		if err != nil {
			return err
		}
		if err := r.handle(ctx, deliveries); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) handle(ctx context.Context, deliveries []*broker.Delivery) error {
	now := time.Now()
	for _, d := range deliveries {
		env := d.Envelope
		target := env.Header(core.HeaderTargetQueue)
		if target == "" {
			// Nowhere to forward: drop rather than loop forever.
			r.log.Error().Str("task_id", env.ID).Msg("scheduled envelope without target queue")
			if err := r.br.Ack(ctx, d); err != nil {
				return err
			}
			continue
		}

		if env.IsExpired(now) {
			r.log.Debug().Str("task_id", env.ID).Msg("scheduled envelope expired before its eta")
			if err := r.br.Ack(ctx, d); err != nil {
				return err
			}
			continue
		}

		if !env.IsReady(now) {
			delay := env.ETA.Sub(now)
			if delay < MinPollInterval {
				delay = MinPollInterval
			}
			if err := r.br.NackDelayed(ctx, d, delay); err != nil {
				return err
			}
			continue
		}

		forwarded := env.Clone()
		delete(forwarded.Headers, core.HeaderTargetQueue)
		forwarded.ETA = nil
		if err := r.br.Publish(ctx, target, forwarded); err != nil {
			// Leave the delivery unsettled; it redelivers after the
			// visibility window.
			r.log.Error().Err(err).Str("task_id", env.ID).Msg("relay publish failed")
			continue
		}
		if err := r.br.Ack(ctx, d); err != nil {
			return err
		}
		r.log.Debug().Str("task_id", env.ID).Str("queue", target).Msg("promoted scheduled task")
	}
	return nil
}
