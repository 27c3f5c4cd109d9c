package app

import (
	"strings"
	"testing"
	"time"

	"claimbot/internal/config"
	"claimbot/internal/opsserver"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}},
		Upstream: config.UpstreamConfig{URL: "https://mcp.example.test/mcp"},
	}
}

func ptr[T any](v T) *T { return &v }

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "file" || sc.Path != defaultStoragePath {
		t.Fatalf("omitted section: %+v %v", sc, err)
	}

	cfg.Storage = &config.StorageConfig{Driver: "memory"}
	if sc, _ := mapStorageConfig(cfg); sc.Driver != "memory" {
		t.Fatalf("memory: %+v", sc)
	}

	cfg.Storage = &config.StorageConfig{Driver: "sqlite"}
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("sqlite without path must fail")
	}
	cfg.Storage = &config.StorageConfig{Driver: "sqlite", Path: "./x.db"}
	if sc, err := mapStorageConfig(cfg); err != nil || sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite default busy timeout: %+v %v", sc, err)
	}

	cfg.Storage = &config.StorageConfig{Driver: "pg"}
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("postgres without dsn must fail")
	}
	cfg.Storage = &config.StorageConfig{Driver: "PostgreSQL", DSN: " postgres://u@h/db "}
	if sc, err := mapStorageConfig(cfg); err != nil || sc.Driver != "postgres" || sc.DSN != "postgres://u@h/db" {
		t.Fatalf("postgres: %+v %v", sc, err)
	}

	cfg.Storage = &config.StorageConfig{Driver: "redis"}
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("unknown driver must fail")
	}
}

func TestMapAutorunConfigDefaults(t *testing.T) {
	t.Parallel()
	ac, err := mapAutorunConfig(baseConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !ac.Enabled || ac.StartHour != 9 || ac.SpreadMinutes != 600 || !ac.InitialSweep {
		t.Fatalf("unexpected defaults: %+v", ac)
	}
	if ac.RerunInterval != 240*time.Minute || ac.TickInterval != 10*time.Minute || ac.BurstWindow != 30*time.Minute {
		t.Fatalf("unexpected durations: %+v", ac)
	}
	if ac.Location.String() != "Asia/Shanghai" || ac.ClaimTool != "auto-bind-coupons" {
		t.Fatalf("got %s %s", ac.Location, ac.ClaimTool)
	}
}

func TestMapAutorunConfigOverrides(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Autorun = config.AutorunConfig{
		Enabled:              ptr(false),
		Timezone:             "UTC",
		StartHour:            ptr(24),
		SpreadMinutes:        60,
		RerunIntervalMinutes: 30,
		RerunAfterSuccess:    ptr(false),
		MaxPerTick:           5,
		RequestGap:           "250ms",
		TickInterval:         "1m",
		BurstWindowMinutes:   10,
		BurstTickInterval:    "20s",
		WatchdogInterval:     "2m",
		WatchdogMultiplier:   2,
		InitialSweep:         ptr(false),
	}
	cfg.Upstream.ClaimTool = "claim-all"

	ac, err := mapAutorunConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ac.Enabled || ac.RerunAfterSuccess || ac.InitialSweep {
		t.Fatalf("explicit false lost: %+v", ac)
	}
	if ac.StartHour != 0 {
		t.Fatalf("start_hour 24 should normalize to 0, got %d", ac.StartHour)
	}
	if ac.SpreadMinutes != 60 || ac.RerunInterval != 30*time.Minute || ac.MaxPerTick != 5 {
		t.Fatalf("got %+v", ac)
	}
	if ac.RequestGap != 250*time.Millisecond || ac.TickInterval != time.Minute ||
		ac.BurstWindow != 10*time.Minute || ac.BurstTickInterval != 20*time.Second ||
		ac.WatchdogInterval != 2*time.Minute || ac.WatchdogMultiplier != 2 {
		t.Fatalf("durations: %+v", ac)
	}
	if ac.Location != time.UTC || ac.ClaimTool != "claim-all" {
		t.Fatalf("got %s %s", ac.Location, ac.ClaimTool)
	}

	cfg.Autorun.Timezone = "Mars/Olympus"
	if _, err := mapAutorunConfig(cfg); err == nil {
		t.Fatal("bad timezone must fail")
	}
}

func TestMapGatewayConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	gc, err := mapGatewayConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if gc.ProtocolVersion != defaultProtocolVersion || gc.RequestTimeout != defaultRequestTimeout {
		t.Fatalf("got %+v", gc)
	}
	if gc.Retry == nil || gc.Retry.MaxRetries != 2 || gc.Retry.Base != 500*time.Millisecond {
		t.Fatalf("default retry policy: %+v", gc.Retry)
	}
	if strings.Join(gc.CacheableTools, ",") != "campaign-calender,now-time-info" {
		t.Fatalf("cacheable tools: %v", gc.CacheableTools)
	}
	if gc.ClientInfo.Name != "claimbot" || gc.ClientInfo.Version != Version {
		t.Fatalf("client info: %+v", gc.ClientInfo)
	}

	cfg.Upstream.RetryMax = ptr(0)
	cfg.Upstream.RetryableStatuses = []int{429}
	cfg.Upstream.CacheableTools = []string{}
	gc, err = mapGatewayConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if gc.Retry.MaxRetries != 0 || len(gc.Retry.RetryableStatuses) != 1 || gc.Retry.RetryableStatuses[0] != 429 {
		t.Fatalf("overrides: %+v", gc.Retry)
	}
	if len(gc.CacheableTools) != 0 {
		t.Fatalf("explicit empty list should disable caching: %v", gc.CacheableTools)
	}
}

func TestMapTaskEngineAndNotifierDefaults(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	ec, err := mapTaskEngineConfig(cfg)
	if err != nil || !ec.Enabled || ec.Workers != 2 || ec.QueueSize != 64 {
		t.Fatalf("engine: %+v %v", ec, err)
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil || !nc.Enabled {
		t.Fatalf("notifier: %+v %v", nc, err)
	}

	cfg.Notifier = &config.NotifierConfig{Enabled: true, RetryBase: "nope"}
	if _, err := mapNotifierConfig(cfg); err == nil {
		t.Fatal("bad duration must fail")
	}
}

func TestMapOpsConfigDefaultAddr(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Ops = config.OpsConfig{Enabled: true, Token: " secret "}
	oc := mapOpsConfig(cfg)
	if oc.Addr != opsserver.DefaultAddr || oc.Token != "secret" || !oc.Enabled {
		t.Fatalf("got %+v", oc)
	}
}

func TestGroupLogChat(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if got := groupLogChat(cfg); got != 0 {
		t.Fatalf("empty: %d", got)
	}
	cfg.Telegram.GroupLog = " -100123 "
	if got := groupLogChat(cfg); got != -100123 {
		t.Fatalf("got %d", got)
	}
	cfg.Telegram.GroupLog = "@channel"
	if got := groupLogChat(cfg); got != 0 {
		t.Fatalf("malformed: %d", got)
	}
}

func TestValidateRunsMappers(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if err := validate(cfg); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
	cfg.Rewards.Pattern = `coupon-\w+`
	if err := validate(cfg); err == nil {
		t.Fatal("a reward pattern without a capture group must be rejected")
	}
}

func TestMapCachePrune(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if got, err := mapCachePrune(cfg); err != nil || got != defaultCachePrune {
		t.Fatalf("default: %q %v", got, err)
	}
	for _, spec := range []string{"15m", "00:30", "*/10 * * * *", "@hourly"} {
		cfg.Upstream.CachePrune = spec
		if got, err := mapCachePrune(cfg); err != nil || got != spec {
			t.Fatalf("%q: %q %v", spec, got, err)
		}
	}
	cfg.Upstream.CachePrune = "sometimes"
	if _, err := mapCachePrune(cfg); err == nil {
		t.Fatal("garbage schedule must fail")
	}
	if err := validate(cfg); err == nil {
		t.Fatal("validate must reject a bad cache_prune")
	}
}
