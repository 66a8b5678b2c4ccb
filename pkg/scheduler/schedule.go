package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emberq/emberq/pkg/core"
)

// Schedule computes recurring fire times.
type Schedule interface {
	// Next returns the first fire time strictly after t.
	Next(t time.Time) time.Time
}

type everySchedule struct {
	interval time.Duration
}

func (s everySchedule) Next(t time.Time) time.Time { return t.Add(s.interval) }

// Every fires at a fixed interval. Intervals under a second are
// rounded up to a second.
func Every(interval time.Duration) Schedule {
	if interval < time.Second {
		interval = time.Second
	}
	return everySchedule{interval: interval}
}

type dailySchedule struct {
	hour, minute int
}

func (s dailySchedule) Next(t time.Time) time.Time {
	next := time.Date(t.Year(), t.Month(), t.Day(), s.hour, s.minute, 0, 0, t.Location())
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Daily fires once a day at hour:minute in the local zone of the time
// passed to Next.
func Daily(hour, minute int) Schedule {
	return dailySchedule{hour: hour, minute: minute}
}

type weeklySchedule struct {
	weekday      time.Weekday
	hour, minute int
}

func (s weeklySchedule) Next(t time.Time) time.Time {
	next := time.Date(t.Year(), t.Month(), t.Day(), s.hour, s.minute, 0, 0, t.Location())
	days := (int(s.weekday) - int(next.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(t) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// Weekly fires once a week on the given weekday at hour:minute.
func Weekly(weekday time.Weekday, hour, minute int) Schedule {
	return weeklySchedule{weekday: weekday, hour: hour, minute: minute}
}

// Cron parses a standard five-field cron expression.
func Cron(expr string) (Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, core.Configf("invalid cron expression %q: %v", expr, err)
	}
	return sched, nil
}

// MustCron is Cron for package-level schedule tables; it panics on a
// bad expression.
func MustCron(expr string) Schedule {
	sched, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return sched
}
