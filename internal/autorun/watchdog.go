package autorun

import (
	"context"
	"time"

	"claimbot/internal/eventbus"
	"claimbot/internal/storage"
	logx "claimbot/pkg/logx"
)

// Stale reports whether the last sweep is older than tick*multiplier. A
// sweep that never finished is judged by its start; no record at all is
// stale.
func Stale(now time.Time, last storage.SweepRecord, tick time.Duration, multiplier float64) bool {
	ref := last.FinishedAt
	if ref.IsZero() {
		ref = last.StartedAt
	}
	if ref.IsZero() {
		return true
	}
	limit := time.Duration(float64(tick) * multiplier)
	return now.Sub(ref) > limit
}

// CheckWatchdog forces a sweep when none is running and the last one is
// stale. It reports whether it fired.
func (e *Engine) CheckWatchdog(ctx context.Context) (bool, Report, error) {
	if e.Running() {
		return false, Report{}, nil
	}
	cfg := e.Config()
	g, err := e.store.GetGlobal(ctx)
	if err != nil {
		return false, Report{}, err
	}
	now := e.now()
	if !Stale(now, g.LastSweep, cfg.TickInterval, cfg.WatchdogMultiplier) {
		return false, Report{}, nil
	}
	e.metrics.ObserveWatchdogTrigger()
	e.publish(eventbus.WatchdogFired, now, g.LastSweep)
	e.log.Warn("watchdog.fired",
		logx.Time("last_started", g.LastSweep.StartedAt),
		logx.Time("last_finished", g.LastSweep.FinishedAt),
	)
	rep, err := e.Sweep(ctx, "watchdog")
	return true, rep, err
}
