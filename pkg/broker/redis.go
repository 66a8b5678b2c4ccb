package broker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/emberq/emberq/pkg/core"
)

const (
	redisGroup    = "emberq"
	envelopeField = "envelope"
)

// RedisOption configures the streams driver.
type RedisOption func(*Redis)

// WithRedisVisibility sets the pending-entry idle time after which a
// fetched envelope is claimed back and redelivered.
func WithRedisVisibility(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.visibility = d
		}
	}
}

// WithRedisFetchWait sets how long an empty Fetch blocks for new work.
func WithRedisFetchWait(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.fetchWait = d
		}
	}
}

// WithRedisConsumer overrides the consumer name within the group.
func WithRedisConsumer(name string) RedisOption {
	return func(r *Redis) {
		if name != "" {
			r.consumer = name
		}
	}
}

// Redis is a streams-backed broker. Each queue is one stream consumed
// through a consumer group; the pending entries list is the visibility
// window, and a sorted set per queue holds delayed envelopes until
// their due time.
type Redis struct {
	rdb        *redis.Client
	consumer   string
	visibility time.Duration
	fetchWait  time.Duration

	mu     sync.Mutex
	groups map[string]bool
}

var _ Broker = (*Redis)(nil)

// NewRedis creates a streams broker on an existing client.
func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	host, _ := os.Hostname()
	r := &Redis{
		rdb:        rdb,
		consumer:   fmt.Sprintf("%s-%s", host, core.NewID()),
		visibility: 30 * time.Second,
		fetchWait:  100 * time.Millisecond,
		groups:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Capabilities() Capabilities {
	return Capabilities{Pull: true, Push: false, DelayedPublish: true, Wildcard: false}
}

func streamKey(queue string) string  { return QueueSubject(queue) }
func delayedKey(queue string) string { return "emberq:delayed:" + queue }

func (r *Redis) ensureGroup(ctx context.Context, stream string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[stream] {
		return nil
	}
	err := r.rdb.XGroupCreateMkStream(ctx, stream, redisGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("emberq: create group on %q: %w", stream, err)
	}
	r.groups[stream] = true
	return nil
}

func (r *Redis) Publish(ctx context.Context, queue string, env *core.Envelope) error {
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
	err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(queue),
		Values: map[string]interface{}{envelopeField: string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("emberq: publish %q: %w", queue, err)
	}
	return nil
}

func (r *Redis) PublishDelayed(ctx context.Context, queue string, env *core.Envelope, due time.Time) error {
	if err := ValidateQueueName(queue); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if !due.After(time.Now()) {
		return r.Publish(ctx, queue, env)
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	err = r.rdb.ZAdd(ctx, delayedKey(queue), &redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("emberq: delay publish %q: %w", queue, err)
	}
	return nil
}

// promoteScript moves due members from the delayed sorted set onto the
// stream in one atomic step, so a crash can never lose an envelope
// between the pop and the append. KEYS[1] is the sorted set, KEYS[2]
// the stream; ARGV are the due cutoff, the batch cap and the stream
// field name.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('XADD', KEYS[2], '*', ARGV[3], member)
  redis.call('ZREM', KEYS[1], member)
end
return #due
`)

// promoteDelayed runs the promotion script. Each fetcher promotes
// before reading so no separate mover process is needed; the script's
// atomicity arbitrates when several workers race.
func (r *Redis) promoteDelayed(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, r.rdb,
		[]string{delayedKey(queue), streamKey(queue)},
		now, 128, envelopeField,
	).Err()
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// reclaimStale claims pending entries idle past the visibility window.
// Best effort: a claim failure only postpones redelivery.
func (r *Redis) reclaimStale(ctx context.Context, stream string, max int) []redis.XMessage {
	msgs, _, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    redisGroup,
		Consumer: r.consumer,
		MinIdle:  r.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil {
		return nil
	}
	return msgs
}

func (r *Redis) Fetch(ctx context.Context, queue string, max int) ([]*Delivery, error) {
	if max < 1 {
		max = 1
	}
	stream := streamKey(queue)
	if err := r.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}
	if err := r.promoteDelayed(ctx, queue); err != nil {
		return nil, fmt.Errorf("emberq: promote delayed %q: %w", queue, err)
	}

	msgs := r.reclaimStale(ctx, stream, max)
	if len(msgs) < max {
		res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    redisGroup,
			Consumer: r.consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(max - len(msgs)),
			Block:    r.fetchWait,
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("emberq: read %q: %w", queue, err)
		}
		for _, sr := range res {
			msgs = append(msgs, sr.Messages...)
		}
	}

	deliveries := make([]*Delivery, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values[envelopeField].(string)
		if !ok {
			r.discard(ctx, stream, msg.ID)
			continue
		}
		env, err := core.DecodeEnvelope([]byte(raw))
		if err != nil {
			// Poison payload: drop it so it never redelivers.
			r.discard(ctx, stream, msg.ID)
			continue
		}
		deliveries = append(deliveries, &Delivery{
			Queue:    queue,
			Envelope: env,
			Receipt:  &redisReceipt{stream: stream, queue: queue, id: msg.ID, raw: raw},
		})
	}
	return deliveries, nil
}

type redisReceipt struct {
	stream string
	queue  string
	id     string
	raw    string
}

func redisRec(d *Delivery) (*redisReceipt, error) {
	rec, ok := d.Receipt.(*redisReceipt)
	if !ok {
		return nil, core.Configf("delivery receipt does not belong to the redis broker")
	}
	return rec, nil
}

func (r *Redis) discard(ctx context.Context, stream, id string) {
	pipe := r.rdb.Pipeline()
	pipe.XAck(ctx, stream, redisGroup, id)
	pipe.XDel(ctx, stream, id)
	_, _ = pipe.Exec(ctx)
}

func (r *Redis) Ack(ctx context.Context, d *Delivery) error {
	rec, err := redisRec(d)
	if err != nil {
		return err
	}
	pipe := r.rdb.Pipeline()
	pipe.XAck(ctx, rec.stream, redisGroup, rec.id)
	pipe.XDel(ctx, rec.stream, rec.id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("emberq: ack on %q: %w", rec.queue, err)
	}
	return nil
}

func (r *Redis) Nack(ctx context.Context, d *Delivery) error {
	rec, err := redisRec(d)
	if err != nil {
		return err
	}
	// Re-append then drop the pending entry; the envelope keeps its
	// place in line at the stream tail.
	pipe := r.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: rec.stream,
		Values: map[string]interface{}{envelopeField: rec.raw},
	})
	pipe.XAck(ctx, rec.stream, redisGroup, rec.id)
	pipe.XDel(ctx, rec.stream, rec.id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("emberq: nack on %q: %w", rec.queue, err)
	}
	return nil
}

func (r *Redis) NackDelayed(ctx context.Context, d *Delivery, delay time.Duration) error {
	if delay <= 0 {
		return r.Nack(ctx, d)
	}
	rec, err := redisRec(d)
	if err != nil {
		return err
	}
	pipe := r.rdb.Pipeline()
	pipe.ZAdd(ctx, delayedKey(rec.queue), &redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: rec.raw,
	})
	pipe.XAck(ctx, rec.stream, redisGroup, rec.id)
	pipe.XDel(ctx, rec.stream, rec.id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("emberq: delayed nack on %q: %w", rec.queue, err)
	}
	return nil
}

func (r *Redis) Broadcast(ctx context.Context, subject string, payload []byte) error {
	if err := r.rdb.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("emberq: broadcast %q: %w", subject, err)
	}
	return nil
}

func (r *Redis) SubscribeBroadcast(ctx context.Context, subject string) (<-chan []byte, error) {
	pubsub := r.rdb.Subscribe(ctx, subject)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("emberq: subscribe %q: %w", subject, err)
	}
	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		defer pubsub.Close()
		src := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case ch <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()
	return ch, nil
}

func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
