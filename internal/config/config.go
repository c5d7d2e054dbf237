// Package config loads skillpilot's per-run configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all skillpilot configuration. It is read once at job start;
// changes to the underlying file mid-job never take effect.
type Config struct {
	// Session is the heartbeat/ack/session timing surface.
	Session SessionConfig `json:"session"`

	// Locator controls design-database discovery.
	Locator LocatorConfig `json:"locator"`

	// Bundle controls debug-bundle generation.
	Bundle BundleConfig `json:"bundle"`

	// Launchers names the available launch strategies and their settings.
	Launchers LaunchersConfig `json:"launchers"`

	// SkillRoot is the directory containing installed Skill packages
	// (each a subdirectory with its own contract.yaml).
	SkillRoot string `json:"skillRoot"`

	// Index configures the optional local job index (caller convenience only).
	Index IndexConfig `json:"index,omitempty"`

	// Schedule configures the optional periodic re-run scheduler.
	Schedule ScheduleConfig `json:"schedule,omitempty"`
}

// SessionConfig holds timing knobs for the supervisor and kernel.
type SessionConfig struct {
	HeartbeatTimeoutSec  int `json:"heartbeatTimeoutSec"`
	ReadyTimeoutSec      int `json:"readyTimeoutSec"`
	RestoreTimeoutSec    int `json:"restoreTimeoutSec"`
	DefaultAckTimeoutSec int `json:"defaultAckTimeoutSec"`
	HealthPollIntervalMs int `json:"healthPollIntervalMs"`
	AckPollIntervalMs    int `json:"ackPollIntervalMs"`
	StopGraceSec         int `json:"stopGraceSec"`
}

// LocatorConfig controls the name-scan behavior of the locator.
type LocatorConfig struct {
	MaxScanDepth int `json:"maxScanDepth"`
}

// BundleConfig controls debug-bundle generation.
type BundleConfig struct {
	TailLines int `json:"tailLines"`
}

// LaunchersConfig names which launcher is used by default and holds
// per-launcher settings.
type LaunchersConfig struct {
	Default string            `json:"default"` // "local" or "batch"
	Batch   BatchLauncherSpec `json:"batch,omitempty"`
}

// BatchLauncherSpec configures the interactive cluster-submission launcher.
// The command template is read from a TOML profile file, see
// internal/supervisor.LoadBatchProfiles.
type BatchLauncherSpec struct {
	ProfilesPath string `json:"profilesPath,omitempty"`
	Profile      string `json:"profile,omitempty"`
}

// IndexConfig configures the optional SQLite job index.
type IndexConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// ScheduleConfig configures the optional cron-driven re-run scheduler.
type ScheduleConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// DefaultConfig returns sensible defaults, matching the numeric defaults
// named in the on-disk/ack protocol (30s heartbeat timeout, 120s restore
// ack timeout, scan depth 3, 2000-line bundle tails).
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			HeartbeatTimeoutSec:  30,
			ReadyTimeoutSec:      30,
			RestoreTimeoutSec:    120,
			DefaultAckTimeoutSec: 120,
			HealthPollIntervalMs: 1000,
			AckPollIntervalMs:    100,
			StopGraceSec:         5,
		},
		Locator: LocatorConfig{
			MaxScanDepth: 3,
		},
		Bundle: BundleConfig{
			TailLines: 2000,
		},
		Launchers: LaunchersConfig{
			Default: "local",
		},
		SkillRoot: "./skills",
	}
}

// Load reads config from a JSON file, falling back to defaults for any
// field the file omits.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes config to a JSON file, creating parent directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o640)
}
