package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// delayedStart fires once at first and follows every afterwards, so interval
// schedules registered together at boot do not tick in lockstep.
type delayedStart struct {
	every cron.Schedule
	first time.Time
}

func (d *delayedStart) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.every.Next(t)
}

// spreadInterval returns an @every schedule whose first run is pushed back by
// a random jitter below min(every, maxStartupSpread).
func spreadInterval(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxStartupSpread)
	if limit <= 0 {
		return base, 0
	}
	jitter := rand.N(limit)
	return &delayedStart{every: base, first: now.Add(every + jitter)}, jitter
}
