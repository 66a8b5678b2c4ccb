package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/pkg/core"
)

func mustEnvelope(t *testing.T, name string, args ...any) *core.Envelope {
	t.Helper()
	env, err := core.NewEnvelope(name, args...)
	require.NoError(t, err)
	return env
}

func TestMemory_PublishFetchAck(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	env := mustEnvelope(t, "email.send", "alice@example.com")
	require.NoError(t, m.Publish(ctx, "default", env))

	got, err := m.Fetch(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].Envelope.ID)
	assert.Equal(t, "default", got[0].Queue)

	require.NoError(t, m.Ack(ctx, got[0]))

	// Settled deliveries are gone for good.
	got, err = m.Fetch(ctx, "default", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory_QueueIsolation(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "alpha", mustEnvelope(t, "a")))
	require.NoError(t, m.Publish(ctx, "beta", mustEnvelope(t, "b")))

	got, err := m.Fetch(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Envelope.Name)
	assert.Equal(t, 1, m.Depth("beta"))
}

func TestMemory_FIFOAndFetchLimit(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Publish(ctx, "q", mustEnvelope(t, "task", i)))
	}

	got, err := m.Fetch(ctx, "q", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, `0`, string(got[0].Envelope.Args[0]))
	assert.Equal(t, `2`, string(got[2].Envelope.Args[0]))
	assert.Equal(t, 2, m.Depth("q"))
}

func TestMemory_NackRedelivers(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	env := mustEnvelope(t, "flaky")
	require.NoError(t, m.Publish(ctx, "q", env))

	got, err := m.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, m.Nack(ctx, got[0]))

	again, err := m.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, env.ID, again[0].Envelope.ID)
}

func TestMemory_VisibilityRedelivery(t *testing.T) {
	m := NewMemory(WithVisibility(30*time.Millisecond), WithFetchWait(10*time.Millisecond))
	defer m.Close()
	ctx := context.Background()

	env := mustEnvelope(t, "abandoned")
	require.NoError(t, m.Publish(ctx, "q", env))

	got, err := m.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	// Not acked, not nacked: the worker died.

	time.Sleep(50 * time.Millisecond)

	again, err := m.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, env.ID, again[0].Envelope.ID)

	// The stale receipt can no longer settle the envelope.
	assert.ErrorIs(t, m.Ack(ctx, got[0]), core.ErrNotFound)
	require.NoError(t, m.Ack(ctx, again[0]))
}

func TestMemory_DelayedPublish(t *testing.T) {
	m := NewMemory(WithFetchWait(5 * time.Millisecond))
	defer m.Close()
	ctx := context.Background()

	env := mustEnvelope(t, "later")
	require.NoError(t, m.PublishDelayed(ctx, "q", env, time.Now().Add(40*time.Millisecond)))

	got, err := m.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	assert.Empty(t, got, "not due yet")

	time.Sleep(50 * time.Millisecond)
	got, err = m.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].Envelope.ID)
}

func TestMemory_NackDelayed(t *testing.T) {
	m := NewMemory(WithFetchWait(5 * time.Millisecond))
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "q", mustEnvelope(t, "backoff")))
	got, err := m.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, m.NackDelayed(ctx, got[0], 40*time.Millisecond))

	empty, err := m.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	assert.Empty(t, empty)

	time.Sleep(50 * time.Millisecond)
	again, err := m.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestMemory_FetchWakesOnPublish(t *testing.T) {
	m := NewMemory(WithFetchWait(2 * time.Second))
	defer m.Close()
	ctx := context.Background()

	done := make(chan []*Delivery, 1)
	go func() {
		got, _ := m.Fetch(ctx, "q", 1)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Publish(ctx, "q", mustEnvelope(t, "wake")))

	select {
	case got := <-done:
		require.Len(t, got, 1)
		assert.Equal(t, "wake", got[0].Envelope.Name)
	case <-time.After(time.Second):
		t.Fatal("fetch did not wake on publish")
	}
}

func TestMemory_Broadcast(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, err := m.SubscribeBroadcast(ctx, RevokeSubject)
	require.NoError(t, err)
	ch2, err := m.SubscribeBroadcast(ctx, RevokeSubject)
	require.NoError(t, err)

	require.NoError(t, m.Broadcast(ctx, RevokeSubject, []byte("task-1")))

	for _, ch := range []<-chan []byte{ch1, ch2} {
		select {
		case payload := <-ch:
			assert.Equal(t, "task-1", string(payload))
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestMemory_ValidatesQueueNames(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()
	env := mustEnvelope(t, "t")

	assert.Error(t, m.Publish(ctx, "", env))
	assert.Error(t, m.Publish(ctx, "Bad Queue!", env))
	assert.NoError(t, m.Publish(ctx, "ok-queue.v2", env))
}

func TestMemory_ClosedBrokerRefusesWork(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	ctx := context.Background()

	assert.ErrorIs(t, m.Publish(ctx, "q", mustEnvelope(t, "t")), core.ErrClosed)
	_, err := m.Fetch(ctx, "q", 1)
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, m.HealthCheck(ctx), core.ErrClosed)
}
