package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/emberq/emberq/pkg/core"
)

// NATSOption configures the JetStream driver.
type NATSOption func(*NATS)

// WithNATSOptions passes connection options through to nats.Connect.
func WithNATSOptions(opts ...nats.Option) NATSOption {
	return func(n *NATS) { n.connOpts = append(n.connOpts, opts...) }
}

// WithStreamName overrides the JetStream stream name.
func WithStreamName(name string) NATSOption {
	return func(n *NATS) {
		if name != "" {
			n.stream = name
		}
	}
}

// WithAckWait sets the visibility window: how long JetStream waits for
// an ack before redelivering.
func WithAckWait(d time.Duration) NATSOption {
	return func(n *NATS) {
		if d > 0 {
			n.ackWait = d
		}
	}
}

// WithNATSFetchWait sets how long an empty Fetch blocks for new work.
func WithNATSFetchWait(d time.Duration) NATSOption {
	return func(n *NATS) {
		if d > 0 {
			n.fetchWait = d
		}
	}
}

// NATS is a JetStream-backed broker. All task subjects share one
// work-queue stream; each queue gets a durable pull consumer filtered
// to its subject. Redelivery after the ack wait gives the visibility
// guarantee; NakWithDelay covers retry backoff without a relay.
type NATS struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	stream    string
	ackWait   time.Duration
	fetchWait time.Duration
	connOpts  []nats.Option

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

var _ Broker = (*NATS)(nil)

// NewNATS connects to a NATS server and ensures the task stream exists.
func NewNATS(url string, opts ...NATSOption) (*NATS, error) {
	n := &NATS{
		stream:    "TASKS",
		ackWait:   30 * time.Second,
		fetchWait: 100 * time.Millisecond,
		subs:      make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(n)
	}

	connOpts := append([]nats.Option{
		nats.Name("emberq"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}, n.connOpts...)

	nc, err := nats.Connect(url, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("emberq: connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("emberq: jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(n.stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("emberq: stream info: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      n.stream,
			Subjects:  []string{queuePrefix + ">"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("emberq: create stream: %w", err)
		}
	}

	n.nc = nc
	n.js = js
	return n, nil
}

func (n *NATS) Capabilities() Capabilities {
	return Capabilities{Pull: true, Push: true, DelayedPublish: false, Wildcard: true}
}

func (n *NATS) Publish(ctx context.Context, queue string, env *core.Envelope) error {
	if err := ValidateQueueName(queue); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	// MsgId dedupes publisher retries within the stream's dedupe window.
	_, err = n.js.Publish(QueueSubject(queue), data, nats.MsgId(env.ID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("emberq: publish %q: %w", queue, err)
	}
	return nil
}

func (n *NATS) PublishDelayed(ctx context.Context, queue string, env *core.Envelope, due time.Time) error {
	return fmt.Errorf("emberq: jetstream has no delayed publish: %w", core.ErrNotSupported)
}

// durableName maps a subject to a JetStream-safe consumer name.
func durableName(subject string) string {
	s := strings.NewReplacer(".", "-", ">", "all", "*", "any").Replace(subject)
	return "emberq-" + s
}

func (n *NATS) pullSub(subject string) (*nats.Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.subs[subject]; ok {
		return sub, nil
	}
	sub, err := n.js.PullSubscribe(subject, durableName(subject),
		nats.AckWait(n.ackWait),
		nats.BindStream(n.stream),
	)
	if err != nil {
		return nil, fmt.Errorf("emberq: pull subscribe %q: %w", subject, err)
	}
	n.subs[subject] = sub
	return sub, nil
}

func (n *NATS) Fetch(ctx context.Context, queue string, max int) ([]*Delivery, error) {
	return n.FetchSubject(ctx, QueueSubject(queue), queue, max)
}

// FetchSubject pulls from a raw subject, possibly a wildcard. The
// scheduler relay fetches "tasks.scheduled.>" to serve every queue with
// one consumer.
func (n *NATS) FetchSubject(ctx context.Context, subject, queue string, max int) ([]*Delivery, error) {
	if max < 1 {
		max = 1
	}
	sub, err := n.pullSub(subject)
	if err != nil {
		return nil, err
	}

	msgs, err := sub.Fetch(max, nats.MaxWait(n.fetchWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("emberq: fetch %q: %w", subject, err)
	}

	deliveries := make([]*Delivery, 0, len(msgs))
	for _, msg := range msgs {
		env, err := core.DecodeEnvelope(msg.Data)
		if err != nil {
			// Poison payload: terminate so it never redelivers.
			_ = msg.Term()
			continue
		}
		deliveries = append(deliveries, &Delivery{
			Queue:    queue,
			Envelope: env,
			Receipt:  msg,
		})
	}
	return deliveries, nil
}

func natsMsg(d *Delivery) (*nats.Msg, error) {
	msg, ok := d.Receipt.(*nats.Msg)
	if !ok {
		return nil, core.Configf("delivery receipt does not belong to the nats broker")
	}
	return msg, nil
}

func (n *NATS) Ack(ctx context.Context, d *Delivery) error {
	msg, err := natsMsg(d)
	if err != nil {
		return err
	}
	return msg.AckSync(nats.Context(ctx))
}

func (n *NATS) Nack(ctx context.Context, d *Delivery) error {
	msg, err := natsMsg(d)
	if err != nil {
		return err
	}
	return msg.Nak()
}

func (n *NATS) NackDelayed(ctx context.Context, d *Delivery, delay time.Duration) error {
	msg, err := natsMsg(d)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return msg.Nak()
	}
	return msg.NakWithDelay(delay)
}

func (n *NATS) Broadcast(ctx context.Context, subject string, payload []byte) error {
	// Core NATS, not JetStream: broadcasts are fire-and-forget and must
	// not accumulate in the work stream.
	if err := n.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("emberq: broadcast %q: %w", subject, err)
	}
	return n.nc.Flush()
}

func (n *NATS) SubscribeBroadcast(ctx context.Context, subject string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	sub, err := n.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("emberq: subscribe %q: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(ch)
	}()
	return ch, nil
}

func (n *NATS) HealthCheck(ctx context.Context) error {
	if !n.nc.IsConnected() {
		return fmt.Errorf("emberq: nats connection is %s", n.nc.Status())
	}
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	for subject, sub := range n.subs {
		_ = sub.Unsubscribe()
		delete(n.subs, subject)
	}
	n.mu.Unlock()
	return n.nc.Drain()
}
