package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery(t *testing.T) {
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	s := Every(5 * time.Minute)
	assert.Equal(t, base.Add(5*time.Minute), s.Next(base))

	// Sub-second intervals are rounded up.
	s = Every(10 * time.Millisecond)
	assert.Equal(t, base.Add(time.Second), s.Next(base))
}

func TestDaily(t *testing.T) {
	s := Daily(3, 30)

	morning := time.Date(2026, 8, 29, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 29, 3, 30, 0, 0, time.UTC), s.Next(morning))

	// Past today's fire time rolls to tomorrow.
	afternoon := time.Date(2026, 8, 29, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 30, 3, 30, 0, 0, time.UTC), s.Next(afternoon))

	// Exactly at the fire time also rolls over: Next is strictly after.
	exact := time.Date(2026, 8, 29, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 30, 3, 30, 0, 0, time.UTC), s.Next(exact))
}

func TestWeekly(t *testing.T) {
	s := Weekly(time.Monday, 9, 0)

	// 2026-08-29 is a Saturday.
	sat := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	next := s.Next(sat)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC), next)

	// A Monday after the fire time waits a full week.
	mon := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 9, 7, 9, 0, 0, 0, time.UTC), s.Next(mon))
}

func TestCron(t *testing.T) {
	s, err := Cron("*/15 * * * *")
	require.NoError(t, err)

	base := time.Date(2026, 8, 29, 12, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 29, 12, 15, 0, 0, time.UTC), s.Next(base))

	_, err = Cron("not a cron line")
	assert.Error(t, err)

	assert.Panics(t, func() { MustCron("bad") })
	assert.NotPanics(t, func() { MustCron("0 3 * * *") })
}
