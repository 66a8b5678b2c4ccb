package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/pkg/broker"
	"github.com/emberq/emberq/pkg/core"
)

func parkScheduled(t *testing.T, br *broker.Memory, queue string, env *core.Envelope) {
	t.Helper()
	env = env.WithHeader(core.HeaderTargetQueue, queue)
	require.NoError(t, br.Publish(context.Background(), "scheduled."+queue, env))
}

func TestRelay_PromotesDueEnvelopes(t *testing.T) {
	br := broker.NewMemory(broker.WithFetchWait(5 * time.Millisecond))
	defer br.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := core.NewEnvelope("email.send", "x")
	require.NoError(t, err)
	eta := time.Now().Add(150 * time.Millisecond)
	env.ETA = &eta
	parkScheduled(t, br, "default", env)

	relay := NewRelay(br, []string{"default"})
	go func() { _ = relay.Run(ctx) }()

	// Before the ETA nothing lands on the target queue.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, br.Depth("default"))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && br.Depth("default") == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	got, err := br.Fetch(ctx, "default", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].Envelope.ID)
	assert.Nil(t, got[0].Envelope.ETA, "the promoted copy is immediately ready")
	assert.Empty(t, got[0].Envelope.Header(core.HeaderTargetQueue))
}

func TestRelay_DropsExpiredEnvelopes(t *testing.T) {
	br := broker.NewMemory(broker.WithFetchWait(5 * time.Millisecond))
	defer br.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := core.NewEnvelope("stale.task")
	require.NoError(t, err)
	eta := time.Now().Add(20 * time.Millisecond)
	expires := time.Now().Add(-time.Second)
	env.ETA = &eta
	env.Expires = &expires
	parkScheduled(t, br, "default", env)

	relay := NewRelay(br, []string{"default"})
	go func() { _ = relay.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, br.Depth("default"))
	assert.Equal(t, 0, br.Depth("scheduled.default"))
}

func TestRelay_ImmediateEtaPromotesRightAway(t *testing.T) {
	br := broker.NewMemory(broker.WithFetchWait(5 * time.Millisecond))
	defer br.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := core.NewEnvelope("quick.task")
	require.NoError(t, err)
	parkScheduled(t, br, "work", env) // no ETA at all

	relay := NewRelay(br, []string{"work"})
	go func() { _ = relay.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && br.Depth("work") == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, br.Depth("work"))
}
