package config

// Config is the on-disk configuration (JSON or YAML). Decoding is strict:
// unknown keys are rejected so typos surface at load or reload time.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Upstream UpstreamConfig `json:"upstream"`
	Autorun  AutorunConfig  `json:"autorun"`
	Rewards  RewardsConfig  `json:"rewards,omitempty"`

	// TaskEngine controls the executor that runs sweeps and manual jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Ops      OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
	// CommandTimeout bounds a single command handler (default "45s").
	CommandTimeout string `json:"command_timeout,omitempty"`
	// Workers bounds concurrently running command handlers (default 8).
	Workers int `json:"workers,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// UpstreamConfig describes the MCP endpoint.
//
// Defaults:
//   - protocol_version: "2025-06-18"
//   - request_timeout: "30s"
//   - retry_max: 2 (3 tries in total)
//   - retry_base: "500ms", retry_max_delay: "8s", retry_jitter: 0.2
//   - retryable_statuses: [502, 503, 504]
//   - cacheable_tools: ["campaign-calender", "now-time-info"], cache_ttl: "5m"
//   - cache_prune: "5m" (a duration, an HH:MM interval or a cron spec)
//   - claim_tool: "auto-bind-coupons"
type UpstreamConfig struct {
	URL             string `json:"url"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	RequestTimeout  string `json:"request_timeout,omitempty"`

	// RetryMax is a pointer so an explicit 0 disables retries.
	RetryMax          *int    `json:"retry_max,omitempty"`
	RetryBase         string  `json:"retry_base,omitempty"`
	RetryMaxDelay     string  `json:"retry_max_delay,omitempty"`
	RetryJitter       float64 `json:"retry_jitter,omitempty"`
	RetryableStatuses []int   `json:"retryable_statuses,omitempty"`

	CacheableTools  []string `json:"cacheable_tools,omitempty"`
	CacheTTL        string   `json:"cache_ttl,omitempty"`
	CacheMaxEntries int      `json:"cache_max_entries,omitempty"`
	CachePrune      string   `json:"cache_prune,omitempty"`

	ClaimTool     string `json:"claim_tool,omitempty"`
	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

// AutorunConfig controls the sweep engine and its tick sources.
//
// Defaults:
//   - enabled: true
//   - timezone: "Asia/Shanghai", start_hour: 9, spread_minutes: 600
//   - rerun_interval_minutes: 240, rerun_after_success: true
//   - max_per_tick: 20, request_gap: "3s"
//   - tick_interval: "10m"
//   - burst_window_minutes: 30, burst_tick_interval: "1m"
//   - watchdog_interval: "5m", watchdog_multiplier: 3
type AutorunConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// StartHour accepts 0..24 (24 means 0); other values wrap modulo 24.
	StartHour     *int `json:"start_hour,omitempty"`
	SpreadMinutes int  `json:"spread_minutes,omitempty"`

	RerunIntervalMinutes int   `json:"rerun_interval_minutes,omitempty"`
	RerunAfterSuccess    *bool `json:"rerun_after_success,omitempty"`

	MaxPerTick int    `json:"max_per_tick,omitempty"`
	RequestGap string `json:"request_gap,omitempty"`

	TickInterval       string `json:"tick_interval,omitempty"`
	BurstWindowMinutes int    `json:"burst_window_minutes,omitempty"`
	BurstTickInterval  string `json:"burst_tick_interval,omitempty"`

	WatchdogInterval   string  `json:"watchdog_interval,omitempty"`
	WatchdogMultiplier float64 `json:"watchdog_multiplier,omitempty"`

	NotifyAdminsOnFailure bool `json:"notify_admins_on_failure,omitempty"`
	// InitialSweep runs one sweep right after start (default true).
	InitialSweep *bool `json:"initial_sweep,omitempty"`
}

// RewardsConfig controls how reward identifiers are pulled out of a claim
// result. Paths are gjson paths evaluated against JSON results; Pattern is
// a regular expression (first capture group) applied to text results.
type RewardsConfig struct {
	Paths   []string `json:"paths,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (never drop queued tasks)
//   - history_size: 100
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/claimbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; prefer CLAIMBOT_STORAGE_DSN
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// OpsConfig controls the local operations HTTP server.
//
// Prefer a loopback address. Binding elsewhere requires a token or an
// explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
