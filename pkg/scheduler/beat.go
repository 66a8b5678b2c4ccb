package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/emberq/emberq/pkg/backend"
	"github.com/emberq/emberq/pkg/core"
)

// SubmitFunc publishes one task submission. The beat stays decoupled
// from the producer through it.
type SubmitFunc func(ctx context.Context, name string, args []any, opts ...core.Option) (string, error)

// Entry is one recurring submission.
type Entry struct {
	// Name identifies the entry across beat processes; the slot claim
	// is keyed on it, so two entries must not share a name.
	Name     string
	Task     string
	Schedule Schedule
	Args     []any
	Opts     []core.Option
}

// BeatOption configures the beat.
type BeatOption func(*Beat)

// WithBeatLogger attaches a logger.
func WithBeatLogger(log zerolog.Logger) BeatOption {
	return func(b *Beat) { b.log = log }
}

// WithBeatTick sets how often entries are checked for due fire times.
func WithBeatTick(d time.Duration) BeatOption {
	return func(b *Beat) {
		if d >= MinPollInterval {
			b.tick = d
		}
	}
}

// WithSlotTTL sets how long a fired slot claim is held. It only needs
// to outlive the window in which competing beats see the same slot.
func WithSlotTTL(d time.Duration) BeatOption {
	return func(b *Beat) {
		if d > 0 {
			b.slotTTL = d
		}
	}
}

// Beat submits tasks on recurring schedules. Several beat processes can
// run for availability: each occurrence is named by its scheduled fire
// time and claimed through the backend, so exactly one process submits
// it.
type Beat struct {
	entries []Entry
	submit  SubmitFunc
	slots   backend.Backend
	tick    time.Duration
	slotTTL time.Duration
	log     zerolog.Logger
}

// NewBeat creates a beat over a set of entries.
func NewBeat(entries []Entry, submit SubmitFunc, slots backend.Backend, opts ...BeatOption) (*Beat, error) {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.Task == "" || e.Schedule == nil {
			return nil, core.Configf("beat entry %q needs a name, task and schedule", e.Name)
		}
		if seen[e.Name] {
			return nil, core.Configf("duplicate beat entry %q", e.Name)
		}
		seen[e.Name] = true
	}
	b := &Beat{
		entries: entries,
		submit:  submit,
		slots:   slots,
		tick:    time.Second,
		slotTTL: 10 * time.Minute,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Run fires due entries until ctx is cancelled.
func (b *Beat) Run(ctx context.Context) error {
	next := make([]time.Time, len(b.entries))
	now := time.Now()
	for i, e := range b.entries {
		next[i] = e.Schedule.Next(now)
	}

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now = <-ticker.C:
		}
		for i := range b.entries {
			if now.Before(next[i]) {
				continue
			}
			b.fire(ctx, &b.entries[i], next[i])
			next[i] = b.entries[i].Schedule.Next(now)
		}
	}
}

func (b *Beat) fire(ctx context.Context, e *Entry, at time.Time) {
	slot := at.UTC().Format(time.RFC3339)
	won, err := b.slots.AcquireBeatSlot(ctx, e.Name, slot, b.slotTTL)
	if err != nil {
		b.log.Error().Err(err).Str("entry", e.Name).Msg("beat slot acquire failed")
		return
	}
	if !won {
		// Another beat process already submitted this occurrence.
		return
	}
	id, err := b.submit(ctx, e.Task, e.Args, e.Opts...)
	if err != nil {
		b.log.Error().Err(err).Str("entry", e.Name).Msg("beat submit failed")
		return
	}
	b.log.Info().Str("entry", e.Name).Str("task_id", id).Str("slot", slot).Msg("beat fired")
}
