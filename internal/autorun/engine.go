package autorun

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"claimbot/internal/eventbus"
	"claimbot/internal/mcp"
	"claimbot/internal/metrics"
	"claimbot/internal/storage"
	logx "claimbot/pkg/logx"
)

var (
	// ErrPairBusy is returned when the pair already has a run in flight.
	ErrPairBusy = errors.New("autorun: account is already running")
	ErrNoBurst  = errors.New("autorun: no active burst")
)

// Caller runs an upstream action for one account.
type Caller interface {
	Call(ctx context.Context, userID string, acc *storage.Account, tool string, args map[string]any) (mcp.Result, error)
}

// Notifier delivers chat messages. Delivery errors are logged and dropped.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, text string) error
	NotifyAdmins(ctx context.Context, text string) error
}

// ToolError is a result the upstream flagged with isError.
type ToolError struct{ Text string }

func (e *ToolError) Error() string {
	if e.Text == "" {
		return "action reported an error"
	}
	return e.Text
}

// Report summarises one sweep.
type Report struct {
	Skipped   bool          `json:"skipped"`
	Trigger   string        `json:"trigger"`
	Mode      string        `json:"mode,omitempty"`
	Eligible  int           `json:"eligible"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	BurstID   string        `json:"burst_id,omitempty"`
	Started   time.Time     `json:"started"`
	Took      time.Duration `json:"took"`
	Error     string        `json:"error,omitempty"`
}

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithSleep replaces the context-aware sleep used for request pacing.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithIDs replaces the burst id generator.
func WithIDs(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// Engine owns the sweep. It is safe for concurrent use; Sweep itself is
// non-reentrant.
type Engine struct {
	store    storage.Store
	caller   Caller
	notifier Notifier
	extract  *Extractor
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string

	mu  sync.RWMutex
	cfg Config

	running      atomic.Bool
	sweepStarted atomic.Int64 // unix nanos of the running sweep

	fmu      sync.Mutex
	inflight map[string]struct{}
}

func New(cfg Config, store storage.Store, caller Caller, notifier Notifier, extract *Extractor, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if extract == nil {
		extract, _ = NewExtractor(nil, "")
	}
	e := &Engine{
		store:    store,
		caller:   caller,
		notifier: notifier,
		extract:  extract,
		log:      log.With(logx.String("comp", "autorun")),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		sleep:    sleepCtx,
		newID:    uuid.NewString,
		inflight: map[string]struct{}{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

// SetExtractor swaps the reward extractor.
func (e *Engine) SetExtractor(x *Extractor) {
	if x == nil {
		return
	}
	e.mu.Lock()
	e.extract = x
	e.mu.Unlock()
}

func (e *Engine) extractor() *Extractor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.extract
}

// Running reports whether a sweep is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

// Wedged reports whether the running sweep has been going for longer than
// the watchdog tolerates.
func (e *Engine) Wedged() bool {
	if !e.Running() {
		return false
	}
	cfg := e.Config()
	started := time.Unix(0, e.sweepStarted.Load())
	return e.now().Sub(started) > time.Duration(float64(cfg.TickInterval)*cfg.WatchdogMultiplier)
}

// InFlight reports whether the pair is being run right now.
func (e *Engine) InFlight(userID, accountID string) bool {
	e.fmu.Lock()
	defer e.fmu.Unlock()
	_, ok := e.inflight[pairKey(userID, accountID)]
	return ok
}

func (e *Engine) acquire(key string) bool {
	e.fmu.Lock()
	defer e.fmu.Unlock()
	if _, ok := e.inflight[key]; ok {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Engine) release(key string) {
	e.fmu.Lock()
	delete(e.inflight, key)
	e.fmu.Unlock()
}

// Sweep evaluates every pair and runs the due ones. A sweep already in
// progress makes it return a Skipped report at once. The sweep record is
// persisted on every exit path, panics included.
func (e *Engine) Sweep(ctx context.Context, trigger string) (rep Report, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return Report{Skipped: true, Trigger: trigger}, nil
	}
	defer e.running.Store(false)

	cfg := e.Config()
	rep = Report{Trigger: trigger, Started: e.now()}
	e.sweepStarted.Store(rep.Started.UnixNano())
	e.publish(eventbus.SweepStarted, rep.Started, rep)

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("sweep.panic", logx.String("trigger", trigger), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("sweep panic: %v", r)
		}
		rep.Took = e.now().Sub(rep.Started)
		if err != nil {
			rep.Error = err.Error()
		}
		e.finishSweep(rep, err)
	}()

	if !cfg.Enabled {
		return rep, nil
	}
	if err := e.expireBurst(ctx); err != nil {
		return rep, err
	}

	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return rep, fmt.Errorf("list users: %w", err)
	}
	g, err := e.store.GetGlobal(ctx)
	if err != nil {
		return rep, fmt.Errorf("load global state: %w", err)
	}

	now := e.now()
	mode, tasks := EligibleTasks(users, g.Burst, now, cfg)
	rep.Mode = mode
	rep.Eligible = len(tasks)
	var burst *storage.Burst
	if mode == ModeBurst {
		burst = g.Burst
		rep.BurstID = burst.ID
	}
	if len(tasks) > cfg.MaxPerTick {
		tasks = tasks[:cfg.MaxPerTick]
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		ok, ran := e.runExclusive(ctx, t, burst, cfg)
		if !ran {
			continue
		}
		rep.Processed++
		if ok {
			rep.Succeeded++
		} else {
			rep.Failed++
		}
		// a burst opened mid-sweep applies from the next sweep on
	}
	return rep, nil
}

func (e *Engine) finishSweep(rep Report, err error) {
	finished := rep.Started.Add(rep.Took)
	rec := storage.SweepRecord{
		StartedAt:  rep.Started,
		FinishedAt: finished,
		DurationMs: rep.Took.Milliseconds(),
		Eligible:   rep.Eligible,
		Processed:  rep.Processed,
		Mode:       rep.Mode,
		Trigger:    rep.Trigger,
		Error:      rep.Error,
	}
	// the sweep context may already be canceled; the trail must still land
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, uerr := e.store.UpdateGlobal(ctx, func(g *storage.GlobalState) error {
		g.LastSweep = rec
		return nil
	}); uerr != nil {
		e.log.Error("sweep.record_failed", logx.Err(uerr))
	}

	e.metrics.ObserveSweep(rep.Mode, rep.Processed, rep.Took, err)
	e.publish(eventbus.SweepFinished, finished, rep)

	fields := []logx.Field{
		logx.String("trigger", rep.Trigger),
		logx.String("mode", rep.Mode),
		logx.Int("eligible", rep.Eligible),
		logx.Int("processed", rep.Processed),
		logx.Int("ok", rep.Succeeded),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	}
	switch {
	case err != nil:
		e.log.Error("sweep.failed", append(fields, logx.Err(err))...)
	case rep.Processed > 0:
		e.log.Info("sweep.done", fields...)
	default:
		e.log.Debug("sweep.done", fields...)
	}
}

func (e *Engine) runExclusive(ctx context.Context, t SweepTask, burst *storage.Burst, cfg Config) (ok, ran bool) {
	key := t.Key()
	if !e.acquire(key) {
		e.log.Debug("autorun.skip_inflight", logx.Pair(t.UserID, t.AccountID))
		return false, false
	}
	defer e.release(key)
	return e.runTask(ctx, t, burst, cfg)
}

// runTask executes one pair. ran is false when the pair was no longer
// runnable by the time its turn came.
func (e *Engine) runTask(ctx context.Context, t SweepTask, burst *storage.Burst, cfg Config) (ok, ran bool) {
	log := e.log.With(logx.Pair(t.UserID, t.AccountID), logx.String("mode", t.Mode))
	u, err := e.store.GetUser(ctx, t.UserID)
	if err != nil {
		// a user removed since planning is routine
		if !errors.Is(err, storage.ErrNotFound) && ctx.Err() == nil {
			log.Warn("sweep.load_user_failed", logx.Err(err))
		}
		return false, false
	}
	acc := u.Account(t.AccountID)
	if acc == nil || !acc.AutoRun || !acc.HasToken() {
		return false, false
	}
	if err := e.pace(ctx, cfg.RequestGap); err != nil {
		if ctx.Err() == nil {
			log.Warn("sweep.pace_failed", logx.Err(err))
		}
		return false, false
	}

	res, callErr := e.caller.Call(ctx, t.UserID, acc, cfg.ClaimTool, nil)
	if callErr == nil && res.IsError {
		callErr = &ToolError{Text: res.Format()}
	}
	if callErr != nil {
		if ctx.Err() != nil {
			// shutdown, not an upstream verdict
			return false, false
		}
		e.recordFailure(ctx, t, u, acc, burst, callErr, cfg, log)
		return false, true
	}
	e.recordSuccess(ctx, t, u, acc, burst, res, cfg, log)
	return true, true
}

// pace waits until the persisted gap since the last outbound request has
// passed, then reserves the slot.
func (e *Engine) pace(ctx context.Context, gap time.Duration) error {
	for {
		var wait time.Duration
		_, err := e.store.UpdateGlobal(ctx, func(g *storage.GlobalState) error {
			now := e.now()
			if gap > 0 && !g.LastRequestAt.IsZero() {
				if next := g.LastRequestAt.Add(gap); now.Before(next) {
					wait = next.Sub(now)
					return errWait
				}
			}
			g.LastRequestAt = now
			return nil
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errWait):
			if err := e.sleep(ctx, wait); err != nil {
				return err
			}
		default:
			return fmt.Errorf("reserve request slot: %w", err)
		}
	}
}

var errWait = errors.New("wait")

func (e *Engine) recordSuccess(ctx context.Context, t SweepTask, u *storage.User, acc *storage.Account, burst *storage.Burst, res mcp.Result, cfg Config, log logx.Logger) {
	now := e.now()
	day := LocalDay(now, cfg.Location)
	ids := e.extractor().Extract(res)

	if _, err := e.store.UpdateUser(ctx, t.UserID, func(u *storage.User) error {
		a := u.Account(t.AccountID)
		if a == nil {
			return storage.ErrNotFound
		}
		markRun(a, t, burst, day, now)
		a.LastRunStatus = storage.StatusSuccess
		a.SuccessCount++
		return nil
	}); err != nil {
		log.Warn("autorun.record_failed", logx.Err(err))
	}

	opened, fresh := e.updateGlobalAfterRun(ctx, true, len(ids) > 0, ids, now, cfg)
	e.metrics.ObserveRun("success")
	log.Info("autorun.success", logx.Int("rewards", len(ids)), logx.Int("new_rewards", len(fresh)))
	if opened != nil {
		e.onBurstOpened(opened, fresh)
	}

	if acc.ReportSuccess && len(ids) > 0 {
		e.notifyUser(ctx, t.UserID, successText(day, accountTag(u, acc), res.Format()))
	}
}

func (e *Engine) recordFailure(ctx context.Context, t SweepTask, u *storage.User, acc *storage.Account, burst *storage.Burst, callErr error, cfg Config, log logx.Logger) {
	now := e.now()
	day := LocalDay(now, cfg.Location)
	msg := callErr.Error()
	auth := mcp.IsAuthFailure(callErr)
	authNotice := false

	if _, err := e.store.UpdateUser(ctx, t.UserID, func(u *storage.User) error {
		a := u.Account(t.AccountID)
		if a == nil {
			return storage.ErrNotFound
		}
		markRun(a, t, burst, day, now)
		a.LastRunStatus = storage.FailureStatus(msg)
		a.FailureCount++
		if auth && a.LastAuthNoticeDate != day {
			a.LastAuthNoticeDate = day
			authNotice = true
		}
		return nil
	}); err != nil {
		log.Warn("autorun.record_failed", logx.Err(err))
	}

	e.updateGlobalAfterRun(ctx, false, false, nil, now, cfg)
	e.metrics.ObserveRun("failure")
	log.Warn("autorun.failure", logx.Bool("auth", auth), logx.Err(callErr))

	tag := accountTag(u, acc)
	switch {
	case auth:
		if authNotice {
			e.notifyUser(ctx, t.UserID, authText(day, tag))
		}
	case acc.ReportFailure:
		e.notifyUser(ctx, t.UserID, failureText(day, tag, msg))
	}
	if cfg.NotifyAdminsOnFailure && e.notifier != nil {
		if err := e.notifier.NotifyAdmins(ctx, adminFailureText(t.UserID, acc, t.Mode, msg)); err != nil {
			log.Warn("autorun.admin_notify_failed", logx.Err(err))
		}
	}
}

// markRun stamps the attempt. Failed burst attempts are tagged too, so a
// burst retries a pair only once a fresh burst opens.
func markRun(a *storage.Account, t SweepTask, burst *storage.Burst, day string, now time.Time) {
	if t.Rerun {
		a.LastRerunAt = now
	}
	a.LastRunDate = day
	a.LastRunAt = now
	if t.Mode == ModeBurst && burst != nil {
		a.LastBurstID = burst.ID
	}
}

func (e *Engine) updateGlobalAfterRun(ctx context.Context, ok, effect bool, ids []string, now time.Time, cfg Config) (*storage.Burst, []string) {
	var (
		opened *storage.Burst
		fresh  []string
	)
	_, err := e.store.UpdateGlobal(ctx, func(g *storage.GlobalState) error {
		opened, fresh = nil, nil
		g.Usage.Runs++
		g.Usage.LastCallAt = now
		if ok {
			g.Usage.Successes++
		} else {
			g.Usage.Failures++
		}
		if effect {
			g.Usage.Effects++
		}
		if len(ids) > 0 {
			opened, fresh = ApplyDiscovery(g, ids, now, cfg.BurstWindow, e.newID)
		}
		return nil
	})
	if err != nil {
		e.log.Warn("autorun.global_update_failed", logx.Err(err))
		return nil, nil
	}
	return opened, fresh
}

// ClaimNow runs the claim action for one pair on demand. It shares the
// in-flight guard with sweeps and feeds reward discovery, but leaves the
// autorun bookkeeping alone.
func (e *Engine) ClaimNow(ctx context.Context, userID string, acc *storage.Account) (mcp.Result, error) {
	if acc == nil {
		return mcp.Result{}, storage.ErrNotFound
	}
	key := pairKey(userID, acc.ID)
	if !e.acquire(key) {
		return mcp.Result{}, ErrPairBusy
	}
	defer e.release(key)

	cfg := e.Config()
	res, err := e.caller.Call(ctx, userID, acc, cfg.ClaimTool, nil)
	if err != nil || res.IsError {
		return res, err
	}
	if ids := e.extractor().Extract(res); len(ids) > 0 {
		now := e.now()
		var (
			opened *storage.Burst
			fresh  []string
		)
		if _, uerr := e.store.UpdateGlobal(ctx, func(g *storage.GlobalState) error {
			opened, fresh = ApplyDiscovery(g, ids, now, cfg.BurstWindow, e.newID)
			return nil
		}); uerr != nil {
			e.log.Warn("autorun.global_update_failed", logx.Err(uerr))
		} else if opened != nil {
			e.onBurstOpened(opened, fresh)
		}
	}
	return res, nil
}

func (e *Engine) notifyUser(ctx context.Context, userID, text string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyUser(ctx, userID, text); err != nil {
		e.log.Warn("autorun.notify_failed", logx.String("user", userID), logx.Err(err))
	}
}

func (e *Engine) publish(typ string, at time.Time, data any) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
