package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"claimbot/internal/actions"
	"claimbot/internal/autorun"
	"claimbot/internal/bot"
	"claimbot/internal/config"
	"claimbot/internal/mcp"
	"claimbot/internal/notifier"
	"claimbot/internal/opsserver"
	"claimbot/internal/storage"
	"claimbot/internal/task/engine"
	"claimbot/internal/task/scheduler"
	logx "claimbot/pkg/logx"
)

// Version is reported to the upstream as clientInfo.version and by the CLI.
var Version = "dev"

const (
	defaultStoragePath     = "./data/claimbot.json"
	defaultProtocolVersion = "2025-06-18"
	defaultRequestTimeout  = 30 * time.Second
	defaultCachePrune      = "5m"
)

var defaultCacheableTools = []string{"campaign-calender", "now-time-info"}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
		Version: Version,
	}
}

// groupLogChat parses telegram.group_log; an empty or malformed value
// disables the Telegram log sink target.
func groupLogChat(cfg *config.Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// mapStorageConfig resolves the storage section. An omitted section means
// the JSON file driver at ./data/claimbot.json.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: defaultStoragePath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = defaultStoragePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTaskEngineConfig always enables the engine: every sweep runs on it.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     2,
		QueueSize:   64,
		HistorySize: 100,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	d, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// mapNotifierConfig runs the notifier with its own defaults when the section
// is omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, RetryMax: 3}, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapGatewayConfig(cfg *config.Config) (actions.Config, error) {
	u := cfg.Upstream
	timeout, err := config.ParseDurationOrDefault("upstream.request_timeout", u.RequestTimeout, defaultRequestTimeout)
	if err != nil {
		return actions.Config{}, err
	}

	retry := mcp.DefaultRetryPolicy()
	if u.RetryMax != nil {
		if *u.RetryMax < 0 {
			return actions.Config{}, fmt.Errorf("upstream.retry_max must be >= 0")
		}
		retry.MaxRetries = *u.RetryMax
	}
	if retry.Base, err = config.ParseDurationOrDefault("upstream.retry_base", u.RetryBase, retry.Base); err != nil {
		return actions.Config{}, err
	}
	if retry.MaxDelay, err = config.ParseDurationOrDefault("upstream.retry_max_delay", u.RetryMaxDelay, retry.MaxDelay); err != nil {
		return actions.Config{}, err
	}
	if u.RetryJitter > 0 {
		retry.Jitter = u.RetryJitter
	}
	if len(u.RetryableStatuses) > 0 {
		retry.RetryableStatuses = append([]int(nil), u.RetryableStatuses...)
	}

	ttl, err := config.ParseDurationField("upstream.cache_ttl", u.CacheTTL)
	if err != nil {
		return actions.Config{}, err
	}
	tools := u.CacheableTools
	if tools == nil {
		tools = defaultCacheableTools
	}

	proto := strings.TrimSpace(u.ProtocolVersion)
	if proto == "" {
		proto = defaultProtocolVersion
	}
	name := strings.TrimSpace(u.ClientName)
	if name == "" {
		name = "claimbot"
	}
	version := strings.TrimSpace(u.ClientVersion)
	if version == "" {
		version = Version
	}

	return actions.Config{
		URL:             strings.TrimSpace(u.URL),
		ProtocolVersion: proto,
		ClientInfo:      mcp.ClientInfo{Name: name, Version: version},
		RequestTimeout:  timeout,
		Retry:           &retry,
		CacheableTools:  append([]string(nil), tools...),
		CacheTTL:        ttl,
		CacheMaxEntries: u.CacheMaxEntries,
	}, nil
}

// mapAutorunConfig overlays the autorun section on autorun.DefaultConfig.
// Zero values mean "use the default"; pointer fields distinguish an explicit
// false or 0.
func mapAutorunConfig(cfg *config.Config) (autorun.Config, error) {
	a := cfg.Autorun
	out := autorun.DefaultConfig()

	if a.Enabled != nil {
		out.Enabled = *a.Enabled
	}
	if tz := strings.TrimSpace(a.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return autorun.Config{}, fmt.Errorf("autorun.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	if a.StartHour != nil {
		out.StartHour = autorun.NormalizeStartHour(*a.StartHour)
	}
	if a.MaxPerTick < 0 {
		return autorun.Config{}, fmt.Errorf("autorun.max_per_tick must be >= 0")
	}
	spread, err := config.MinutesOrDefault("autorun.spread_minutes", a.SpreadMinutes, time.Duration(out.SpreadMinutes)*time.Minute)
	if err != nil {
		return autorun.Config{}, err
	}
	out.SpreadMinutes = int(spread / time.Minute)
	if out.RerunInterval, err = config.MinutesOrDefault("autorun.rerun_interval_minutes", a.RerunIntervalMinutes, out.RerunInterval); err != nil {
		return autorun.Config{}, err
	}
	if out.BurstWindow, err = config.MinutesOrDefault("autorun.burst_window_minutes", a.BurstWindowMinutes, out.BurstWindow); err != nil {
		return autorun.Config{}, err
	}
	if a.RerunAfterSuccess != nil {
		out.RerunAfterSuccess = *a.RerunAfterSuccess
	}
	if a.MaxPerTick > 0 {
		out.MaxPerTick = a.MaxPerTick
	}
	if a.WatchdogMultiplier < 0 {
		return autorun.Config{}, fmt.Errorf("autorun.watchdog_multiplier must be >= 0")
	}
	if a.WatchdogMultiplier > 0 {
		out.WatchdogMultiplier = a.WatchdogMultiplier
	}
	out.NotifyAdminsOnFailure = a.NotifyAdminsOnFailure
	if a.InitialSweep != nil {
		out.InitialSweep = *a.InitialSweep
	}

	if out.RequestGap, err = config.ParseDurationOrDefault("autorun.request_gap", a.RequestGap, out.RequestGap); err != nil {
		return autorun.Config{}, err
	}
	if out.TickInterval, err = config.ParseDurationOrDefault("autorun.tick_interval", a.TickInterval, out.TickInterval); err != nil {
		return autorun.Config{}, err
	}
	if out.BurstTickInterval, err = config.ParseDurationOrDefault("autorun.burst_tick_interval", a.BurstTickInterval, out.BurstTickInterval); err != nil {
		return autorun.Config{}, err
	}
	if out.WatchdogInterval, err = config.ParseDurationOrDefault("autorun.watchdog_interval", a.WatchdogInterval, out.WatchdogInterval); err != nil {
		return autorun.Config{}, err
	}

	if tool := strings.TrimSpace(cfg.Upstream.ClaimTool); tool != "" {
		out.ClaimTool = tool
	}
	return out, nil
}

// mapCachePrune returns the schedule of the result cache sweep.
func mapCachePrune(cfg *config.Config) (string, error) {
	spec := strings.TrimSpace(cfg.Upstream.CachePrune)
	if spec == "" {
		return defaultCachePrune, nil
	}
	if _, err := scheduler.ParseSchedule(spec); err != nil {
		return "", fmt.Errorf("upstream.cache_prune: %w", err)
	}
	return spec, nil
}

func mapExtractor(cfg *config.Config) (*autorun.Extractor, error) {
	x, err := autorun.NewExtractor(cfg.Rewards.Paths, cfg.Rewards.Pattern)
	if err != nil {
		return nil, fmt.Errorf("rewards: %w", err)
	}
	return x, nil
}

func mapOpsConfig(cfg *config.Config) opsserver.Config {
	o := cfg.Ops
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = opsserver.DefaultAddr
	}
	return opsserver.Config{
		Enabled:       o.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
	}
}

func mapBotConfig(cfg *config.Config) (bot.Config, error) {
	timeout, err := config.ParseDurationField("telegram.command_timeout", cfg.Telegram.CommandTimeout)
	if err != nil {
		return bot.Config{}, err
	}
	if cfg.Telegram.Workers < 0 {
		return bot.Config{}, fmt.Errorf("telegram.workers must be >= 0")
	}
	return bot.Config{Workers: cfg.Telegram.Workers, CommandTimeout: timeout}, nil
}

// validate runs the static checks plus every mapper, so a reload that would
// fail to apply is rejected before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGatewayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAutorunConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExtractor(cfg); err != nil {
		return err
	}
	if _, err := mapCachePrune(cfg); err != nil {
		return err
	}
	_, err := mapBotConfig(cfg)
	return err
}
