package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/pkg/core"
)

func newRedisBroker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedis(rdb, WithRedisFetchWait(10*time.Millisecond))
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedis_PublishFetchAck(t *testing.T) {
	b, _ := newRedisBroker(t)
	ctx := context.Background()

	env := mustEnvelope(t, "email.send", "bob@example.com")
	require.NoError(t, b.Publish(ctx, "default", env))

	got, err := b.Fetch(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].Envelope.ID)
	assert.Equal(t, env.Name, got[0].Envelope.Name)

	require.NoError(t, b.Ack(ctx, got[0]))

	got, err = b.Fetch(ctx, "default", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedis_NackRequeues(t *testing.T) {
	b, _ := newRedisBroker(t)
	ctx := context.Background()

	env := mustEnvelope(t, "flaky")
	require.NoError(t, b.Publish(ctx, "q", env))

	got, err := b.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, b.Nack(ctx, got[0]))

	again, err := b.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, env.ID, again[0].Envelope.ID)
}

func TestRedis_DelayedPublishPromotes(t *testing.T) {
	b, mr := newRedisBroker(t)
	ctx := context.Background()

	env := mustEnvelope(t, "later")
	require.NoError(t, b.PublishDelayed(ctx, "q", env, time.Now().Add(80*time.Millisecond)))

	got, err := b.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	assert.Empty(t, got, "not due yet")
	assert.True(t, mr.Exists("emberq:delayed:q"), "envelope parked in the delayed set")

	time.Sleep(120 * time.Millisecond)

	got, err = b.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].Envelope.ID)
	// The promotion moves, never copies: nothing stays parked.
	assert.False(t, mr.Exists("emberq:delayed:q"))
}

func TestRedis_NackDelayedParks(t *testing.T) {
	b, _ := newRedisBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", mustEnvelope(t, "backoff")))
	got, err := b.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, b.NackDelayed(ctx, got[0], 80*time.Millisecond))

	empty, err := b.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	assert.Empty(t, empty)

	time.Sleep(120 * time.Millisecond)
	again, err := b.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestRedis_PastDueDelayedPublishesImmediately(t *testing.T) {
	b, _ := newRedisBroker(t)
	ctx := context.Background()

	require.NoError(t, b.PublishDelayed(ctx, "q", mustEnvelope(t, "now"), time.Now().Add(-time.Second)))

	got, err := b.Fetch(ctx, "q", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRedis_ForeignReceiptRejected(t *testing.T) {
	b, _ := newRedisBroker(t)
	ctx := context.Background()

	err := b.Ack(ctx, &Delivery{Receipt: &memReceipt{}})
	var cfgErr *core.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRedis_HealthCheck(t *testing.T) {
	b, mr := newRedisBroker(t)
	ctx := context.Background()

	require.NoError(t, b.HealthCheck(ctx))
	mr.Close()
	assert.Error(t, b.HealthCheck(ctx))
}
