package broker

import (
	"context"
	"errors"

	"github.com/emberq/emberq/pkg/core"
)

// pushBatch bounds how many deliveries one subscription fetch claims.
const pushBatch = 16

// Handler consumes one pushed delivery. A nil return acks the
// delivery; an error returns it for immediate redelivery. Handlers
// that need delayed redelivery or finer settlement control should
// consume via Fetch instead.
type Handler func(ctx context.Context, d *Delivery) error

// subscribeLoop emulates push delivery over the pull API. Runs until
// ctx ends or the broker closes.
func subscribeLoop(ctx context.Context, b Broker, queue string, h Handler) error {
	if err := ValidateQueueName(queue); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deliveries, err := b.Fetch(ctx, queue, pushBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, d := range deliveries {
			if herr := h(ctx, d); herr != nil {
				if err := b.Nack(ctx, d); err != nil && !errors.Is(err, core.ErrNotFound) {
					return err
				}
				continue
			}
			// ErrNotFound means the visibility window lapsed while the
			// handler ran; the envelope is already back on the queue.
			if err := b.Ack(ctx, d); err != nil && !errors.Is(err, core.ErrNotFound) {
				return err
			}
		}
	}
}

func (m *Memory) Subscribe(ctx context.Context, queue string, h Handler) error {
	return subscribeLoop(ctx, m, queue, h)
}

func (r *Redis) Subscribe(ctx context.Context, queue string, h Handler) error {
	return subscribeLoop(ctx, r, queue, h)
}

func (n *NATS) Subscribe(ctx context.Context, queue string, h Handler) error {
	return subscribeLoop(ctx, n, queue, h)
}
