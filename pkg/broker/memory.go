package broker

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/emberq/emberq/pkg/core"
)

// MemoryOption configures the in-process broker.
type MemoryOption func(*Memory)

// WithVisibility sets how long a fetched envelope stays invisible
// before it is considered abandoned and redelivered.
func WithVisibility(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.visibility = d
		}
	}
}

// WithFetchWait sets how long an empty Fetch blocks for new work.
func WithFetchWait(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.fetchWait = d
		}
	}
}

type delayedItem struct {
	env   *core.Envelope
	due   time.Time
	index int
}

type delayedHeap []*delayedItem

func (h delayedHeap) Len() int            { return len(h) }
func (h delayedHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *delayedHeap) Push(x any)         { it := x.(*delayedItem); it.index = len(*h); *h = append(*h, it) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type inflightItem struct {
	env      *core.Envelope
	deadline time.Time
}

type memQueue struct {
	ready    []*core.Envelope
	delayed  delayedHeap
	inflight map[uint64]*inflightItem
	notify   chan struct{}
}

type memReceipt struct {
	queue string
	token uint64
}

// Memory is an in-process broker for tests and single-binary setups.
// Delivery guarantees match the durable drivers (visibility windows,
// redelivery of abandoned work) but nothing survives a restart.
type Memory struct {
	mu         sync.Mutex
	queues     map[string]*memQueue
	subs       map[string][]chan []byte
	nextToken  uint64
	visibility time.Duration
	fetchWait  time.Duration
	closed     bool
}

var _ Broker = (*Memory)(nil)

// NewMemory creates an in-process broker.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		queues:     make(map[string]*memQueue),
		subs:       make(map[string][]chan []byte),
		visibility: 30 * time.Second,
		fetchWait:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Capabilities() Capabilities {
	return Capabilities{Pull: true, Push: true, DelayedPublish: true, Wildcard: true}
}

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{
			inflight: make(map[uint64]*inflightItem),
			notify:   make(chan struct{}, 1),
		}
		m.queues[name] = q
	}
	return q
}

func (q *memQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// promote moves due delayed envelopes and expired inflight envelopes
// back onto the ready list. Callers hold m.mu.
func (q *memQueue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].due.After(now) {
		it := heap.Pop(&q.delayed).(*delayedItem)
		q.ready = append(q.ready, it.env)
	}
	for token, it := range q.inflight {
		if now.After(it.deadline) {
			delete(q.inflight, token)
			q.ready = append(q.ready, it.env)
		}
	}
}

func (m *Memory) Publish(ctx context.Context, queue string, env *core.Envelope) error {
	if err := ValidateQueueName(queue); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	q := m.queue(queue)
	q.ready = append(q.ready, env.Clone())
	q.wake()
	return nil
}

func (m *Memory) PublishDelayed(ctx context.Context, queue string, env *core.Envelope, due time.Time) error {
	if err := ValidateQueueName(queue); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	q := m.queue(queue)
	if !due.After(time.Now()) {
		q.ready = append(q.ready, env.Clone())
	} else {
		heap.Push(&q.delayed, &delayedItem{env: env.Clone(), due: due})
	}
	q.wake()
	return nil
}

func (m *Memory) Fetch(ctx context.Context, queue string, max int) ([]*Delivery, error) {
	if max < 1 {
		max = 1
	}
	deadline := time.NewTimer(m.fetchWait)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, core.ErrClosed
		}
		q := m.queue(queue)
		now := time.Now()
		q.promote(now)

		if len(q.ready) > 0 {
			n := max
			if n > len(q.ready) {
				n = len(q.ready)
			}
			deliveries := make([]*Delivery, 0, n)
			for i := 0; i < n; i++ {
				env := q.ready[i]
				m.nextToken++
				token := m.nextToken
				q.inflight[token] = &inflightItem{env: env, deadline: now.Add(m.visibility)}
				deliveries = append(deliveries, &Delivery{
					Queue:    queue,
					Envelope: env.Clone(),
					Receipt:  &memReceipt{queue: queue, token: token},
				})
			}
			q.ready = q.ready[n:]
			m.mu.Unlock()
			return deliveries, nil
		}
		notify := q.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-notify:
		}
	}
}

func (m *Memory) settle(d *Delivery) (*memQueue, uint64, *inflightItem, error) {
	rec, ok := d.Receipt.(*memReceipt)
	if !ok {
		return nil, 0, nil, core.Configf("delivery receipt does not belong to the memory broker")
	}
	q, ok := m.queues[rec.queue]
	if !ok {
		return nil, 0, nil, core.ErrNotFound
	}
	it, ok := q.inflight[rec.token]
	if !ok {
		// Already settled, or redelivered after the visibility window.
		return nil, 0, nil, core.ErrNotFound
	}
	return q, rec.token, it, nil
}

func (m *Memory) Ack(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, token, _, err := m.settle(d)
	if err != nil {
		return err
	}
	delete(q.inflight, token)
	return nil
}

func (m *Memory) Nack(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, token, it, err := m.settle(d)
	if err != nil {
		return err
	}
	delete(q.inflight, token)
	q.ready = append(q.ready, it.env)
	q.wake()
	return nil
}

func (m *Memory) NackDelayed(ctx context.Context, d *Delivery, delay time.Duration) error {
	if delay <= 0 {
		return m.Nack(ctx, d)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, token, it, err := m.settle(d)
	if err != nil {
		return err
	}
	delete(q.inflight, token)
	heap.Push(&q.delayed, &delayedItem{env: it.env, due: time.Now().Add(delay)})
	return nil
}

func (m *Memory) Broadcast(ctx context.Context, subject string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	for _, ch := range m.subs[subject] {
		select {
		case ch <- payload:
		default:
			// Slow subscribers drop broadcasts rather than block
			// publishers; revocation recovers via periodic reload.
		}
	}
	return nil
}

func (m *Memory) SubscribeBroadcast(ctx context.Context, subject string) (<-chan []byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, core.ErrClosed
	}
	ch := make(chan []byte, 64)
	m.subs[subject] = append(m.subs[subject], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[subject]
		for i, c := range subs {
			if c == ch {
				m.subs[subject] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

func (m *Memory) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, q := range m.queues {
		q.wake()
	}
	for subject, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.subs, subject)
	}
	return nil
}

// Depth reports how many envelopes are ready on a queue. Test helper.
func (m *Memory) Depth(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return 0
	}
	q.promote(time.Now())
	return len(q.ready)
}
