// Package config handles msghub configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/msghub/config.yaml, /config/config.yaml,
// /etc/msghub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "msghub", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/msghub/config.yaml")
	return paths
}

// searchPathsFunc is a seam over DefaultSearchPaths so tests can avoid
// matching real config files on the developer/deploy machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all msghub core configuration (spec.md §6 "Configuration").
type Config struct {
	// PruneIntervalMs throttles the expiry scan (default 30s).
	PruneIntervalMs int64 `yaml:"prune_interval_ms"`
	// NotifierIntervalMs is the due-poll cadence; 0 disables the loop
	// (default 10s).
	NotifierIntervalMs int64 `yaml:"notifier_interval_ms"`
	// HardDeleteAfterMs is the retention window before purging
	// deleted/expired messages (default 4h).
	HardDeleteAfterMs int64 `yaml:"hard_delete_after_ms"`
	// HardDeleteIntervalMs is the cadence for the retention sweep
	// (default 4h).
	HardDeleteIntervalMs int64 `yaml:"hard_delete_interval_ms"`
	// DeleteClosedIntervalMs is the cadence for the closed→deleted
	// sweep (default 10s).
	DeleteClosedIntervalMs int64 `yaml:"delete_closed_interval_ms"`

	Storage  StorageConfig  `yaml:"storage"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Quiet    QuietHours     `yaml:"quiet_hours"`

	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Listen ListenConfig `yaml:"listen"`
}

// StorageConfig configures the single-blob persistence target (§4.2).
type StorageConfig struct {
	BaseDir         string `yaml:"base_dir"`
	FileName        string `yaml:"file_name"`
	WriteIntervalMs int64  `yaml:"write_interval_ms"`
}

// ArchiveConfig configures the per-ref append-only log target (§4.3).
type ArchiveConfig struct {
	BaseDir           string `yaml:"base_dir"`
	FileExtension     string `yaml:"file_extension"`
	FlushIntervalMs   int64  `yaml:"flush_interval_ms"`
	KeepPreviousWeeks int    `yaml:"keep_previous_weeks"`
}

// QuietHours optionally suppresses non-urgent dispatch during a daily
// time window, expressed as "HH:MM" in the host's local timezone.
type QuietHours struct {
	Enabled bool   `yaml:"enabled"`
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
	// MinLevel is the lowest constants.Level that still dispatches
	// during quiet hours (urgent messages bypass the gate).
	MinLevel int `yaml:"min_level"`
}

// ListenConfig defines the admin command-bus transport bind settings.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${MSGHUB_DATA_DIR}).
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	// An explicit notifier_interval_ms: 0 disables the due-poll loop;
	// only an omitted key gets the default.
	var explicit struct {
		NotifierIntervalMs *int64 `yaml:"notifier_interval_ms"`
	}
	_ = yaml.Unmarshal([]byte(expanded), &explicit)

	cfg.applyDefaults()
	if explicit.NotifierIntervalMs != nil && *explicit.NotifierIntervalMs == 0 {
		cfg.NotifierIntervalMs = 0
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.PruneIntervalMs == 0 {
		c.PruneIntervalMs = 30_000
	}
	if c.NotifierIntervalMs == 0 {
		c.NotifierIntervalMs = 10_000
	}
	if c.HardDeleteAfterMs == 0 {
		c.HardDeleteAfterMs = int64(4 * time.Hour / time.Millisecond)
	}
	if c.HardDeleteIntervalMs == 0 {
		c.HardDeleteIntervalMs = int64(4 * time.Hour / time.Millisecond)
	}
	if c.DeleteClosedIntervalMs == 0 {
		c.DeleteClosedIntervalMs = 10_000
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Storage.BaseDir == "" {
		c.Storage.BaseDir = filepath.Join(c.DataDir, "storage")
	}
	if c.Storage.FileName == "" {
		c.Storage.FileName = "messages.json"
	}
	if c.Storage.WriteIntervalMs == 0 {
		c.Storage.WriteIntervalMs = 1_000
	}
	if c.Archive.BaseDir == "" {
		c.Archive.BaseDir = filepath.Join(c.DataDir, "archive")
	}
	if c.Archive.FileExtension == "" {
		c.Archive.FileExtension = ".jsonl"
	}
	if c.Archive.FlushIntervalMs == 0 {
		c.Archive.FlushIntervalMs = 2_000
	}
	if c.Archive.KeepPreviousWeeks == 0 {
		c.Archive.KeepPreviousWeeks = 8
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8084
	}

	c.Storage.BaseDir = expandHome(c.Storage.BaseDir)
	c.Archive.BaseDir = expandHome(c.Archive.BaseDir)
	c.DataDir = expandHome(c.DataDir)
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.PruneIntervalMs < 0 || c.NotifierIntervalMs < 0 || c.HardDeleteAfterMs < 0 ||
		c.HardDeleteIntervalMs < 0 || c.DeleteClosedIntervalMs < 0 {
		return fmt.Errorf("interval/retention settings must be non-negative")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Quiet.Enabled {
		if _, err := parseClock(c.Quiet.Start); err != nil {
			return fmt.Errorf("quiet_hours.start: %w", err)
		}
		if _, err := parseClock(c.Quiet.End); err != nil {
			return fmt.Errorf("quiet_hours.end: %w", err)
		}
	}
	return nil
}

// parseClock validates an "HH:MM" clock string.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM clock %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
