package broker

import (
	"context"
	"regexp"
	"time"

	"github.com/emberq/emberq/pkg/core"
)

// Subject prefixes shared by every driver. Queues live under "tasks.",
// envelopes awaiting their ETA under "tasks.scheduled." and broadcast
// control messages under "broadcast.". Broadcast subjects stay outside
// the "tasks." space so durable drivers never capture control traffic
// in their work streams.
const (
	queuePrefix     = "tasks."
	scheduledPrefix = "tasks.scheduled."

	// RevokeSubject carries revocation broadcasts to every worker.
	RevokeSubject = "broadcast.revoke"
)

var queueNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateQueueName checks a queue name for subject safety.
func ValidateQueueName(queue string) error {
	if queue == "" || len(queue) > core.MaxQueueNameLength {
		return core.Configf("queue name %q must be 1-%d characters", queue, core.MaxQueueNameLength)
	}
	if !queueNameRe.MatchString(queue) {
		return core.Configf("queue name %q contains invalid characters", queue)
	}
	return nil
}

// QueueSubject maps a queue name to its transport subject.
func QueueSubject(queue string) string { return queuePrefix + queue }

// ScheduledSubject maps a queue name to its delayed-delivery subject.
func ScheduledSubject(queue string) string { return scheduledPrefix + queue }

// Capabilities describes what a driver supports natively. Callers use
// it to decide between native delayed delivery and the scheduler relay.
type Capabilities struct {
	Pull           bool
	Push           bool
	DelayedPublish bool
	Wildcard       bool
}

// Delivery is one fetched envelope plus the driver receipt needed to
// settle it. A delivery must be settled exactly once via Ack, Nack or
// NackDelayed; an unsettled delivery reappears after the visibility
// window.
type Delivery struct {
	Queue    string
	Envelope *core.Envelope

	// Receipt is driver-private settlement state.
	Receipt any
}

// Broker carries envelopes between producers and workers.
type Broker interface {
	Capabilities() Capabilities

	// Publish makes an envelope available on a queue immediately.
	Publish(ctx context.Context, queue string, env *core.Envelope) error

	// PublishDelayed makes an envelope available once due has passed.
	// Drivers without DelayedPublish return ErrNotSupported; callers
	// fall back to the scheduler relay.
	PublishDelayed(ctx context.Context, queue string, env *core.Envelope, due time.Time) error

	// Fetch pulls up to max ready envelopes from a queue, waiting up
	// to the driver's poll interval when the queue is empty. A nil
	// slice with a nil error means nothing was ready.
	Fetch(ctx context.Context, queue string, max int) ([]*Delivery, error)

	// Ack settles a delivery as done; it is never redelivered.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns a delivery for immediate redelivery.
	Nack(ctx context.Context, d *Delivery) error

	// NackDelayed returns a delivery for redelivery after delay.
	NackDelayed(ctx context.Context, d *Delivery, delay time.Duration) error

	// Subscribe pushes ready envelopes to handler until ctx ends or
	// the broker closes. Each delivery is acked when the handler
	// returns nil and nacked for immediate redelivery otherwise.
	// Drivers without native push consumers emulate this over Fetch.
	Subscribe(ctx context.Context, queue string, handler Handler) error

	// Broadcast publishes a fire-and-forget control message to every
	// subscriber of a subject.
	Broadcast(ctx context.Context, subject string, payload []byte) error

	// SubscribeBroadcast delivers control messages for a subject until
	// ctx is cancelled or the broker closes.
	SubscribeBroadcast(ctx context.Context, subject string) (<-chan []byte, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
