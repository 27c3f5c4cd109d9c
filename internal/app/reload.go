package app

import (
	"context"
	"strings"
	"time"

	"claimbot/internal/config"
	"claimbot/internal/eventbus"
	"claimbot/internal/task/scheduler"
	logx "claimbot/pkg/logx"
)

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	// last applied config, for the diff summary
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a committed config into the running components. The
// config was validated before commit, so mapper errors here are unexpected
// and keep the previous settings.
func (a *App) applyConfig(c context.Context, prev, newCfg *config.Config) {
	sections, attrs := config.ChangedSections(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(rr, ",")))
	}

	// target first, so Apply doesn't warn when Telegram logging is enabled
	a.logs.SetTelegramTarget(groupLogChat(newCfg), newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(newCfg))

	a.bot.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.notif.SetAdmins(newCfg.Telegram.OwnerUserIDs)
	if bcfg, err := mapBotConfig(newCfg); err != nil {
		a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
	} else {
		a.bot.Apply(bcfg)
	}

	if gwCfg, err := mapGatewayConfig(newCfg); err != nil {
		a.log.Warn("invalid upstream config; keeping previous", logx.Err(err))
	} else {
		a.gateway.Apply(gwCfg)
	}

	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, engCfg)
	}
	a.sched.Apply(scheduler.Config{Timezone: newCfg.Autorun.Timezone})
	if spec, err := mapCachePrune(newCfg); err != nil {
		a.log.Warn("invalid upstream.cache_prune; keeping previous", logx.Err(err))
	} else if spec != a.pruneSpec {
		if err := a.schedulePrune(spec); err != nil {
			a.log.Warn("failed to re-register cache prune", logx.Err(err))
		} else {
			a.pruneSpec = spec
		}
	}

	if x, err := mapExtractor(newCfg); err != nil {
		a.log.Warn("invalid rewards config; keeping previous", logx.Err(err))
	} else {
		a.autorun.SetExtractor(x)
	}
	if acfg, err := mapAutorunConfig(newCfg); err != nil {
		a.log.Warn("invalid autorun config; keeping previous", logx.Err(err))
	} else {
		a.autorun.Apply(acfg)
		if err := a.runner.Apply(c); err != nil {
			a.log.Warn("failed to re-register autorun schedules", logx.Err(err))
		}
	}

	a.applyNotifier(c, newCfg)
	a.ops.Reconfigure(c, mapOpsConfig(newCfg))

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(c context.Context, newCfg *config.Config) {
	prevEnabled := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	a.notif.Apply(ncfg)
	switch {
	case prevEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(a.notifCtx)
	}
}
