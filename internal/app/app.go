package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"claimbot/internal/actions"
	"claimbot/internal/autorun"
	"claimbot/internal/bot"
	"claimbot/internal/config"
	"claimbot/internal/eventbus"
	"claimbot/internal/metrics"
	"claimbot/internal/notifier"
	"claimbot/internal/opsserver"
	"claimbot/internal/runtime/supervisor"
	"claimbot/internal/storage"
	"claimbot/internal/task/engine"
	"claimbot/internal/task/scheduler"
	kit "claimbot/internal/transport"
	telegram "claimbot/internal/transport/telegram/adapter"
	logx "claimbot/pkg/logx"
	"claimbot/pkg/systemd"
)

const schedulePruneCache = "actions.cache_prune"

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	adapter *telegram.Adapter
	gateway *actions.Gateway
	notif   *notifier.Service
	engine  *engine.Service
	sched   *scheduler.Service
	autorun *autorun.Engine
	runner  *autorun.Runner
	bot     *bot.Manager
	ops     *opsserver.Service

	updates   chan kit.Update
	pruneSpec string

	// notifCtx outlives the supervisor so Stop can drain queued messages.
	notifCtx context.Context
}

// NewApp loads the config and builds every component. Nothing runs until
// Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off, set the target, then apply the
	// final config so Apply doesn't warn about a missing group.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(groupLogChat(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(ctx, cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	log := a.log

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return err
	}
	a.store = store
	log.Info("storage opened", logx.String("driver", sc.Driver))

	gwCfg, err := mapGatewayConfig(cfg)
	if err != nil {
		return err
	}
	a.gateway = actions.New(gwCfg, log, a.metrics)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.adapter, log, a.bus, a.metrics)
	a.notif.SetAdmins(cfg.Telegram.OwnerUserIDs)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus, engine.WithObserver(a.metrics))
	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Autorun.Timezone}, a.engine, log.With(logx.String("comp", "scheduler")))
	if a.pruneSpec, err = mapCachePrune(cfg); err != nil {
		return err
	}

	acfg, err := mapAutorunConfig(cfg)
	if err != nil {
		return err
	}
	x, err := mapExtractor(cfg)
	if err != nil {
		return err
	}
	a.autorun = autorun.New(acfg, a.store, a.gateway, a.notif, x, log.With(logx.String("comp", "autorun")),
		autorun.WithBus(a.bus),
		autorun.WithMetrics(a.metrics),
	)
	a.runner = autorun.NewRunner(a.autorun, a.sched, a.engine, log, a.watchdogPing)

	bcfg, err := mapBotConfig(cfg)
	if err != nil {
		return err
	}
	a.bot = bot.NewManager(bcfg, a.adapter, a.store, log)
	a.bot.SetOwners(cfg.Telegram.OwnerUserIDs)
	if err := a.bot.SetRegistry(bot.NewHandlers(a.store, a.gateway, a.runner).Commands()); err != nil {
		return err
	}

	a.ops = opsserver.New(mapOpsConfig(cfg), a.store, a.runner, a.metrics, a.bus, log,
		opsserver.WithTasks(a.engine),
		opsserver.WithTriggers(a.sched),
	)
	return nil
}

// schedulePrune (re)registers the result cache sweep under spec.
func (a *App) schedulePrune(spec string) error {
	return a.sched.AddSchedule(schedulePruneCache, spec, 10*time.Second,
		scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning, RetryMax: -1}, nil,
		func(context.Context) error {
			if n := a.gateway.PruneCache(); n > 0 {
				a.log.Debug("result cache pruned", logx.Int("evicted", n))
			}
			return nil
		})
}

// watchdogPing runs after each healthy watchdog check.
func (a *App) watchdogPing() {
	if _, err := systemd.Watchdog(); err != nil {
		a.log.Debug("sd_notify watchdog failed", logx.Err(err))
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.notifCtx = context.WithoutCancel(ctx)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.notifCtx)
	}
	a.engine.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	if err := a.runner.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.schedulePrune(a.pruneSpec); err != nil {
		return err
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.bot.DispatchLoop(c, a.updates)
	})
	if err := a.engine.Enqueue(engine.Task{
		Name:    taskPublishMenu,
		Timeout: 30 * time.Second,
		Opt:     menuTaskOpt,
		Run:     a.publishMenu,
	}); err != nil {
		a.log.Warn("failed to queue command menu publish", logx.Err(err))
	}

	// Debug-level: the burst ticker fires every minute.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started")
	return nil
}

// SweepOnce runs a single sweep without polling Telegram, waits for the
// notifier to drain and releases every resource. The app cannot be started
// afterwards.
func (a *App) SweepOnce(ctx context.Context) (autorun.Report, error) {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log))
	a.notifCtx = context.WithoutCancel(ctx)
	if a.notif.Enabled() {
		a.notif.Start(a.notifCtx)
	}
	rep, err := a.autorun.Sweep(a.sup.Context(), "cli")
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		err = nil
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, StopOneShot)
	return rep, err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; keep watching so a leak shows up in the logs.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("autorun", time.Second, func(context.Context) error { a.runner.Stop(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// config watch/reload and the command dispatcher
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

const taskPublishMenu = "bot.menu"

var menuTaskOpt = engine.TaskOptions{RetryMax: 4, RetryBase: 2 * time.Second, RetryMaxDelay: time.Minute}

// publishMenu pushes the command menu to Telegram. Flood control answers are
// turned into retry hints for the engine.
func (a *App) publishMenu(ctx context.Context) error {
	err := a.bot.UpdateMenu(ctx)
	if wait, ok := kit.RetryAfter(err); ok {
		return engine.RetryAfter(err, wait)
	}
	return err
}
