package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Provider ProviderConfig `json:"provider"`

	// Credentials lists the API key sources. Inline keys and the key file are
	// merged; duplicates keep the first occurrence.
	Credentials CredentialsConfig `json:"credentials"`

	Models   ModelsConfig   `json:"models,omitempty"`
	Executor ExecutorConfig `json:"executor,omitempty"`
	Batch    BatchConfig    `json:"batch,omitempty"`
	Health   HealthConfig   `json:"health,omitempty"`

	// Storage is the optional persistence layer for usage records and run
	// snapshots. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ProviderConfig points at the generation service.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ProviderConfig struct {
	Endpoint string `json:"endpoint"`
	// RequestTimeout bounds a single HTTP call. Default "2m".
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type CredentialsConfig struct {
	// File is a newline-separated key file. Blank lines and #-comments are
	// skipped.
	File string `json:"file,omitempty"`
	// Inline holds keys directly in the config. Avoid for anything beyond
	// local experiments.
	Inline []string `json:"inline,omitempty"`
}

// ModelsConfig selects the fallback chain.
type ModelsConfig struct {
	// Strategy is "speed" or "quality". Default "speed".
	Strategy string `json:"strategy,omitempty"`

	// Profiles overrides the built-in chain. Order is fallback order.
	Profiles []ModelProfile `json:"profiles,omitempty"`
}

type ModelProfile struct {
	Name string `json:"name"`
	RPM  int    `json:"rpm,omitempty"`
	TPM  int    `json:"tpm,omitempty"`
	RPD  int    `json:"rpd,omitempty"`
}

// ExecutorConfig tunes the retry/rotation loop. Zero values take the engine
// defaults.
type ExecutorConfig struct {
	EstimatedTokens int  `json:"estimated_tokens,omitempty"`
	SmartSelection  bool `json:"smart_selection,omitempty"`

	NetworkBackoffBase string `json:"network_backoff_base,omitempty"`
	NetworkBackoffMax  string `json:"network_backoff_max,omitempty"`
	UnknownBackoffBase string `json:"unknown_backoff_base,omitempty"`
	UnknownBackoffMax  string `json:"unknown_backoff_max,omitempty"`
	UnknownMaxAttempts int    `json:"unknown_max_attempts,omitempty"`
	QuotaWindowWait    string `json:"quota_window_wait,omitempty"`
}

type BatchConfig struct {
	// Size is the number of items per batch. Default 10.
	Size int `json:"size,omitempty"`
	// Temperature is passed through to every generation request.
	Temperature float64 `json:"temperature,omitempty"`
}

// HealthConfig tunes the pre-flight probe pass.
//
// Enabled is a pointer so an omitted section defaults to true while an
// explicit false still turns the pass off.
type HealthConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	ProbeDelay     string `json:"probe_delay,omitempty"`
	ProbeMaxTokens int    `json:"probe_max_tokens,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./genpool_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MaintenanceConfig controls background housekeeping cron entries.
type MaintenanceConfig struct {
	// SnapshotSpec persists a diagnostics snapshot on this cron spec.
	// Empty disables periodic snapshots.
	SnapshotSpec string `json:"snapshot_spec,omitempty"`
	// Timezone for cron evaluation. Default UTC.
	Timezone string `json:"timezone,omitempty"`
}

// Validate checks cross-field consistency. Duration strings are validated
// where they are consumed; this catches what would otherwise surface deep in
// component construction.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Provider.Endpoint) == "" {
		return fmt.Errorf("provider.endpoint is required")
	}
	if strings.TrimSpace(c.Credentials.File) == "" && len(c.Credentials.Inline) == 0 {
		return fmt.Errorf("credentials: at least one of file or inline is required")
	}
	switch s := strings.TrimSpace(c.Models.Strategy); s {
	case "", "speed", "quality":
	default:
		return fmt.Errorf("models.strategy: unknown strategy %q (want speed or quality)", s)
	}
	for i, p := range c.Models.Profiles {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("models.profiles[%d]: name is required", i)
		}
	}
	if c.Batch.Size < 0 {
		return fmt.Errorf("batch.size must be >= 0")
	}
	if c.Batch.Temperature < 0 || c.Batch.Temperature > 2 {
		return fmt.Errorf("batch.temperature must be in [0, 2]")
	}
	if c.Storage != nil {
		switch d := strings.TrimSpace(c.Storage.Driver); d {
		case "file", "sqlite":
			if strings.TrimSpace(c.Storage.Path) == "" {
				return fmt.Errorf("storage.path is required for driver %q", d)
			}
		case "":
			return fmt.Errorf("storage.driver is required when storage is set")
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", d)
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"provider.request_timeout", c.Provider.RequestTimeout},
		{"executor.network_backoff_base", c.Executor.NetworkBackoffBase},
		{"executor.network_backoff_max", c.Executor.NetworkBackoffMax},
		{"executor.unknown_backoff_base", c.Executor.UnknownBackoffBase},
		{"executor.unknown_backoff_max", c.Executor.UnknownBackoffMax},
		{"executor.quota_window_wait", c.Executor.QuotaWindowWait},
		{"health.probe_delay", c.Health.ProbeDelay},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// HealthEnabled resolves the tri-state health.enabled flag.
func (c *Config) HealthEnabled() bool {
	if c.Health.Enabled == nil {
		return true
	}
	return *c.Health.Enabled
}
