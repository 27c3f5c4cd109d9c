package autorun

import (
	"context"
	"errors"
	"sync"
	"time"

	"claimbot/internal/mcp"
	"claimbot/internal/storage"
	"claimbot/internal/task/engine"
	logx "claimbot/pkg/logx"
)

const (
	ScheduleTick     = "autorun.tick"
	ScheduleBurst    = "autorun.burst"
	ScheduleWatchdog = "autorun.watchdog"

	taskManualSweep = "autorun.sweep"
)

// Scheduler is the slice of the cron scheduler the runner drives.
type Scheduler interface {
	AddInterval(name string, every, timeout time.Duration, opt engine.TaskOptions, state *engine.RunState, job func(ctx context.Context) error) error
	Remove(name string) bool
	Has(name string) bool
}

type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Runner binds an Engine to the scheduler: the regular tick, the burst tick
// while a burst is active, and the watchdog. All sweep sources share one
// run state so queued duplicates collapse.
type Runner struct {
	eng   *Engine
	sched Scheduler
	tasks Enqueuer
	log   logx.Logger

	// onHealthy runs after each watchdog check that found the sweep loop
	// alive; the app uses it for the service manager keepalive.
	onHealthy func()

	sweepState    *engine.RunState
	watchdogState *engine.RunState

	mu      sync.Mutex
	started bool
	applied Config
}

func NewRunner(eng *Engine, sched Scheduler, tasks Enqueuer, log logx.Logger, onHealthy func()) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		eng:           eng,
		sched:         sched,
		tasks:         tasks,
		log:           log.With(logx.String("comp", "autorun.runner")),
		onHealthy:     onHealthy,
		sweepState:    &engine.RunState{},
		watchdogState: &engine.RunState{},
	}
}

func (r *Runner) Engine() *Engine { return r.eng }

func (r *Runner) Config() Config { return r.eng.Config() }

func (r *Runner) Running() bool { return r.eng.Running() }

func (r *Runner) Wedged() bool { return r.eng.Wedged() }

var sweepOpt = engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1}

// sweepTimeout bounds one sweep: every pair may wait for the gap and then
// take a full upstream call with retries.
func sweepTimeout(cfg Config) time.Duration {
	d := time.Duration(cfg.MaxPerTick) * (cfg.RequestGap + time.Minute)
	return max(d, 5*time.Minute)
}

// Start registers the schedules and queues the startup sweep.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.registerLocked(); err != nil {
		return err
	}
	r.started = true
	r.syncBurst(ctx)

	if cfg := r.eng.Config(); cfg.Enabled && cfg.InitialSweep {
		if err := r.TriggerSweep("startup"); err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
			r.log.Warn("autorun.startup_sweep_failed", logx.Err(err))
		}
	}
	return nil
}

// Apply re-registers the schedules when the engine config changed their
// intervals. Call after Engine.Apply.
func (r *Runner) Apply(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	cfg := r.eng.Config()
	if cfg.Enabled == r.applied.Enabled &&
		cfg.TickInterval == r.applied.TickInterval &&
		cfg.WatchdogInterval == r.applied.WatchdogInterval &&
		cfg.BurstTickInterval == r.applied.BurstTickInterval &&
		cfg.MaxPerTick == r.applied.MaxPerTick &&
		cfg.RequestGap == r.applied.RequestGap {
		return nil
	}
	r.sched.Remove(ScheduleBurst)
	if err := r.registerLocked(); err != nil {
		return err
	}
	r.syncBurst(ctx)
	return nil
}

func (r *Runner) registerLocked() error {
	cfg := r.eng.Config()
	r.applied = cfg
	if !cfg.Enabled {
		r.sched.Remove(ScheduleTick)
		r.sched.Remove(ScheduleWatchdog)
		r.sched.Remove(ScheduleBurst)
		r.log.Info("autorun disabled")
		return nil
	}
	if err := r.sched.AddInterval(ScheduleTick, cfg.TickInterval, sweepTimeout(cfg), sweepOpt, r.sweepState, r.sweepJob("tick")); err != nil {
		return err
	}
	// the watchdog may itself sweep, so it gets the sweep budget
	wdOpt := engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1}
	return r.sched.AddInterval(ScheduleWatchdog, cfg.WatchdogInterval, sweepTimeout(cfg), wdOpt, r.watchdogState, r.watchdogJob)
}

// Stop removes the autorun schedules. In-flight sweeps end with their
// task context.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sched.Remove(ScheduleTick)
	r.sched.Remove(ScheduleWatchdog)
	r.sched.Remove(ScheduleBurst)
	r.started = false
}

func (r *Runner) sweepJob(trigger string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := r.RunSweep(ctx, trigger)
		return err
	}
}

func (r *Runner) watchdogJob(ctx context.Context) error {
	fired, _, err := r.eng.CheckWatchdog(ctx)
	if fired {
		r.syncBurst(ctx)
	}
	if err == nil && !r.eng.Wedged() && r.onHealthy != nil {
		r.onHealthy()
	}
	if err != nil {
		return engine.NoRetry(err)
	}
	return nil
}

// RunSweep sweeps synchronously and then brings the burst tick in line with
// the stored burst.
func (r *Runner) RunSweep(ctx context.Context, trigger string) (Report, error) {
	rep, err := r.eng.Sweep(ctx, trigger)
	if !rep.Skipped {
		r.syncBurst(ctx)
	}
	return rep, err
}

// TriggerSweep queues a sweep on the task engine. It returns
// engine.ErrOverlapSkip when one is already queued or running.
func (r *Runner) TriggerSweep(trigger string) error {
	cfg := r.eng.Config()
	return r.tasks.Enqueue(engine.Task{
		Name:    taskManualSweep,
		Timeout: sweepTimeout(cfg),
		Opt:     sweepOpt,
		State:   r.sweepState,
		Run:     r.sweepJob(trigger),
	})
}

func (r *Runner) OpenBurst(ctx context.Context, window time.Duration) (*storage.Burst, error) {
	b, err := r.eng.OpenBurst(ctx, window)
	if err != nil {
		return nil, err
	}
	r.syncBurst(ctx)
	return b, nil
}

func (r *Runner) ClearBurst(ctx context.Context) error {
	if err := r.eng.ClearBurst(ctx); err != nil {
		return err
	}
	r.syncBurst(ctx)
	return nil
}

// ClaimNow is Engine.ClaimNow plus a burst tick resync, since a manual
// claim can discover rewards too.
func (r *Runner) ClaimNow(ctx context.Context, userID string, acc *storage.Account) (mcp.Result, error) {
	res, err := r.eng.ClaimNow(ctx, userID, acc)
	if err == nil {
		r.syncBurst(ctx)
	}
	return res, err
}

// syncBurst arms the burst tick while a burst is active and disarms it
// otherwise. The burst sweep that finds the window over closes the burst.
func (r *Runner) syncBurst(ctx context.Context) {
	b, err := r.eng.ActiveBurst(ctx)
	if err != nil {
		r.log.Warn("autorun.burst_sync_failed", logx.Err(err))
		return
	}
	cfg := r.eng.Config()
	r.eng.metrics.SetBurstActive(b != nil)
	switch {
	case b != nil && cfg.Enabled && !r.sched.Has(ScheduleBurst):
		if err := r.sched.AddInterval(ScheduleBurst, cfg.BurstTickInterval, sweepTimeout(cfg), sweepOpt, r.sweepState, r.sweepJob("burst")); err != nil {
			r.log.Warn("autorun.burst_schedule_failed", logx.Err(err))
			return
		}
		r.log.Info("burst tick armed", logx.String("burst", b.ID), logx.Time("until", b.EndAt))
	case b == nil && r.sched.Has(ScheduleBurst):
		r.sched.Remove(ScheduleBurst)
		r.log.Info("burst tick disarmed")
	}
}
