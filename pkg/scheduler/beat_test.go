package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/pkg/backend"
	"github.com/emberq/emberq/pkg/core"
)

type submitRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *submitRecorder) submit(ctx context.Context, name string, args []any, opts ...core.Option) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return core.NewID(), nil
}

func (r *submitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestBeat_ValidatesEntries(t *testing.T) {
	bk := backend.NewMemory()
	defer bk.Close()
	rec := &submitRecorder{}

	_, err := NewBeat([]Entry{{Name: "", Task: "t", Schedule: Every(time.Second)}}, rec.submit, bk)
	assert.Error(t, err)

	_, err = NewBeat([]Entry{
		{Name: "dup", Task: "t", Schedule: Every(time.Second)},
		{Name: "dup", Task: "t", Schedule: Every(time.Second)},
	}, rec.submit, bk)
	assert.Error(t, err)
}

func TestBeat_FiresOnSchedule(t *testing.T) {
	bk := backend.NewMemory()
	defer bk.Close()
	rec := &submitRecorder{}

	b, err := NewBeat(
		[]Entry{{Name: "tick", Task: "jobs.tick", Schedule: Every(time.Second)}},
		rec.submit, bk,
		WithBeatTick(MinPollInterval),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	_ = b.Run(ctx)

	fired := rec.count()
	assert.GreaterOrEqual(t, fired, 1)
	assert.LessOrEqual(t, fired, 3)
}

func TestBeat_SlotClaimPreventsDoubleFire(t *testing.T) {
	bk := backend.NewMemory()
	defer bk.Close()
	rec := &submitRecorder{}

	entries := func() []Entry {
		return []Entry{{Name: "solo", Task: "jobs.solo", Schedule: Every(time.Second)}}
	}

	// Two beat processes sharing one backend.
	b1, err := NewBeat(entries(), rec.submit, bk, WithBeatTick(MinPollInterval))
	require.NoError(t, err)
	b2, err := NewBeat(entries(), rec.submit, bk, WithBeatTick(MinPollInterval))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = b1.Run(ctx) }()
	go func() { defer wg.Done(); _ = b2.Run(ctx) }()
	wg.Wait()

	// Each occurrence is submitted once even with two processes.
	assert.LessOrEqual(t, rec.count(), 2)
	assert.GreaterOrEqual(t, rec.count(), 1)
}
