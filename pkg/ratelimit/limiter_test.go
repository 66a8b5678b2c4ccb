package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewTokenBucket(3, 1) // 3 burst, 1 token/sec

	for i := 0; i < 3; i++ {
		assert.True(t, b.Allow(now).OK, "burst slot %d", i)
	}

	d := b.Allow(now)
	require.False(t, d.OK)
	assert.InDelta(t, time.Second, d.RetryAfter, float64(50*time.Millisecond))

	// One second later a single token is back.
	now = now.Add(time.Second)
	assert.True(t, b.Allow(now).OK)
	assert.False(t, b.Allow(now).OK)
}

func TestTokenBucket_CapsAtCapacity(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewTokenBucket(2, 100)
	b.Allow(now)

	// A long idle period must not bank more than capacity tokens.
	now = now.Add(time.Hour)
	assert.True(t, b.Allow(now).OK)
	assert.True(t, b.Allow(now).OK)
	assert.False(t, b.Allow(now).OK)
}

func TestSlidingWindow_EnforcesRollingBudget(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewSlidingWindow(2, time.Minute)

	assert.True(t, w.Allow(now).OK)
	assert.True(t, w.Allow(now.Add(10*time.Second)).OK)

	d := w.Allow(now.Add(20 * time.Second))
	require.False(t, d.OK)
	// The first event leaves the window at t+60s.
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	assert.True(t, w.Allow(now.Add(61*time.Second)).OK)
}

func TestKeyed_UnknownNamesAdmit(t *testing.T) {
	k := NewKeyed()
	assert.True(t, k.Allow("anything", time.Now()).OK)

	k.Set("slow.task", NewTokenBucket(1, 0.1))
	now := time.Now()
	assert.True(t, k.Allow("slow.task", now).OK)
	assert.False(t, k.Allow("slow.task", now).OK)
	assert.True(t, k.Allow("other.task", now).OK)
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		spec     string
		rate     int
		interval time.Duration
		wantErr  bool
	}{
		{"10/s", 10, time.Second, false},
		{"100/m", 100, time.Minute, false},
		{"500/h", 500, time.Hour, false},
		{"7", 7, time.Second, false},
		{"0/s", 0, 0, true},
		{"-3/m", 0, 0, true},
		{"10/d", 0, 0, true},
		{"abc", 0, 0, true},
	}
	for _, tt := range tests {
		rate, interval, err := ParseSpec(tt.spec)
		if tt.wantErr {
			assert.Error(t, err, tt.spec)
			continue
		}
		require.NoError(t, err, tt.spec)
		assert.Equal(t, tt.rate, rate, tt.spec)
		assert.Equal(t, tt.interval, interval, tt.spec)
	}
}

func TestKeyed_SetSpec(t *testing.T) {
	k := NewKeyed()
	require.NoError(t, k.SetSpec("email.send", "2/s"))
	assert.Error(t, k.SetSpec("bad", "x/s"))

	now := time.Now()
	assert.True(t, k.Allow("email.send", now).OK)
	assert.True(t, k.Allow("email.send", now).OK)
	assert.False(t, k.Allow("email.send", now).OK)
}
