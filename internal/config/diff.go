package config

import (
	"reflect"
	"sort"
	"strings"

	logx "claimbot/pkg/logx"
)

// ChangedSections returns the sorted top-level sections that differ between
// two configs, plus safe attrs for logging. Secrets are never included.
func ChangedSections(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.GroupLog != nt.GroupLog ||
		ot.CommandTimeout != nt.CommandTimeout || ot.Workers != nt.Workers ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Upstream, newCfg.Upstream) {
		changed = append(changed, "upstream")
		attrs = append(attrs,
			logx.Bool("upstream.url_changed", oldCfg.Upstream.URL != newCfg.Upstream.URL),
			logx.String("upstream.protocol_version", newCfg.Upstream.ProtocolVersion),
		)
	}
	if !reflect.DeepEqual(oldCfg.Autorun, newCfg.Autorun) {
		changed = append(changed, "autorun")
		attrs = append(attrs,
			logx.String("autorun.tick_interval", newCfg.Autorun.TickInterval),
			logx.String("autorun.timezone", newCfg.Autorun.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Rewards, newCfg.Rewards) {
		changed = append(changed, "rewards")
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}

	var oDriver, nDriver string
	var oDSN, nDSN string
	if oldCfg.Storage != nil {
		oDriver, oDSN = oldCfg.Storage.Driver, oldCfg.Storage.DSN+"|"+oldCfg.Storage.Path
	}
	if newCfg.Storage != nil {
		nDriver, nDSN = newCfg.Storage.Driver, newCfg.Storage.DSN+"|"+newCfg.Storage.Path
	}
	if oDriver != nDriver || oDSN != nDSN {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nDriver))
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo.Enabled != no.Enabled || oo.Addr != no.Addr || oo.Pprof != no.Pprof ||
		oo.AllowInsecure != no.AllowInsecure || oo.Token != no.Token {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that are only read at startup.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage":
			out = append(out, s)
		}
	}
	return out
}
