package config

import (
	"reflect"
	"sort"
	"strings"

	logx "genpool/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Credential values never appear in the output,
// only counts.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Provider
	if strings.TrimSpace(oldCfg.Provider.Endpoint) != strings.TrimSpace(newCfg.Provider.Endpoint) ||
		strings.TrimSpace(oldCfg.Provider.RequestTimeout) != strings.TrimSpace(newCfg.Provider.RequestTimeout) {
		changed = append(changed, "provider")
		attrs = append(attrs,
			logx.String("provider.endpoint", strings.TrimSpace(newCfg.Provider.Endpoint)),
			logx.String("provider.request_timeout", strings.TrimSpace(newCfg.Provider.RequestTimeout)),
		)
	}

	// Credentials (never log key values)
	if strings.TrimSpace(oldCfg.Credentials.File) != strings.TrimSpace(newCfg.Credentials.File) ||
		!reflect.DeepEqual(oldCfg.Credentials.Inline, newCfg.Credentials.Inline) {
		changed = append(changed, "credentials")
		attrs = append(attrs,
			logx.Bool("credentials.file_set", strings.TrimSpace(newCfg.Credentials.File) != ""),
			logx.Int("credentials.inline_count", len(newCfg.Credentials.Inline)),
		)
	}

	// Models
	if !reflect.DeepEqual(oldCfg.Models, newCfg.Models) {
		changed = append(changed, "models")
		attrs = append(attrs,
			logx.String("models.strategy", strings.TrimSpace(newCfg.Models.Strategy)),
			logx.Int("models.profile_count", len(newCfg.Models.Profiles)),
		)
	}

	// Executor
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.estimated_tokens", newCfg.Executor.EstimatedTokens),
			logx.Bool("executor.smart_selection", newCfg.Executor.SmartSelection),
			logx.String("executor.quota_window_wait", strings.TrimSpace(newCfg.Executor.QuotaWindowWait)),
		)
	}

	// Batch
	if oldCfg.Batch != newCfg.Batch {
		changed = append(changed, "batch")
		attrs = append(attrs,
			logx.Int("batch.size", newCfg.Batch.Size),
			logx.Float64("batch.temperature", newCfg.Batch.Temperature),
		)
	}

	// Health
	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", newCfg.HealthEnabled()),
			logx.String("health.probe_delay", strings.TrimSpace(newCfg.Health.ProbeDelay)),
		)
	}

	// Storage. Nil means disabled.
	oldS, newS := oldCfg.Storage, newCfg.Storage
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	// Maintenance
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.snapshot_spec", strings.TrimSpace(newCfg.Maintenance.SnapshotSpec)),
			logx.String("maintenance.timezone", strings.TrimSpace(newCfg.Maintenance.Timezone)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
