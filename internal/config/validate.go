package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"
)

// Validate checks what can be checked without touching the network. It
// reports every problem it finds, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required (or set %s)", EnvTelegramToken)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("telegram.command_timeout", cfg.Telegram.CommandTimeout); err != nil {
		errs = append(errs, err)
	}

	u := cfg.Upstream
	if strings.TrimSpace(u.URL) == "" {
		add("upstream.url is required (or set %s)", EnvUpstreamURL)
	} else if pu, err := url.Parse(u.URL); err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
		add("upstream.url: want an absolute http(s) URL, got %q", u.URL)
	}
	for path, raw := range map[string]string{
		"upstream.request_timeout": u.RequestTimeout,
		"upstream.retry_base":      u.RetryBase,
		"upstream.retry_max_delay": u.RetryMaxDelay,
		"upstream.cache_ttl":       u.CacheTTL,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if u.RetryMax != nil && *u.RetryMax < 0 {
		add("upstream.retry_max must be >= 0")
	}
	if u.RetryJitter < 0 || u.RetryJitter > 1 {
		add("upstream.retry_jitter must be within [0,1]")
	}
	for _, s := range u.RetryableStatuses {
		if s < 100 || s > 599 {
			add("upstream.retryable_statuses: invalid status %d", s)
		}
	}

	a := cfg.Autorun
	if tz := strings.TrimSpace(a.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("autorun.timezone: %v", err)
		}
	}
	if a.SpreadMinutes < 0 || a.RerunIntervalMinutes < 0 || a.MaxPerTick < 0 || a.BurstWindowMinutes < 0 {
		add("autorun: minute counts and max_per_tick must be >= 0")
	}
	if a.WatchdogMultiplier < 0 {
		add("autorun.watchdog_multiplier must be >= 0")
	}
	for path, raw := range map[string]string{
		"autorun.request_gap":         a.RequestGap,
		"autorun.tick_interval":       a.TickInterval,
		"autorun.burst_tick_interval": a.BurstTickInterval,
		"autorun.watchdog_interval":   a.WatchdogInterval,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if p := strings.TrimSpace(cfg.Rewards.Pattern); p != "" {
		if _, err := regexp.Compile(p); err != nil {
			add("rewards.pattern: %v", err)
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "file", "sqlite":
		case "postgres", "postgresql", "pg":
			if strings.TrimSpace(s.DSN) == "" {
				add("storage.dsn is required for postgres (or set %s)", EnvStorageDSN)
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			errs = append(errs, err)
		}
	}

	if o := cfg.Ops; o.Enabled && !o.AllowInsecure && strings.TrimSpace(o.Token) == "" {
		if addr := strings.TrimSpace(o.Addr); addr != "" && !isLoopback(addr) {
			add("ops.addr %q is not loopback: set ops.token or ops.allow_insecure", addr)
		}
	}

	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
