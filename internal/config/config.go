// Package config loads and validates the actiond configuration from
// config.yaml in the actiond home directory.
package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/actiond/internal/otel"
)

// ScheduleConfig defines a recurring submission declared in config.yaml.
// Declared schedules are upserted into the store at startup.
type ScheduleConfig struct {
	Name     string         `yaml:"name"`
	Cron     string         `yaml:"cron"`
	Kind     string         `yaml:"kind"`
	Args     map[string]any `yaml:"args"`
	Metadata map[string]any `yaml:"metadata"`
	Disabled bool           `yaml:"disabled"`
}

// ArgsJSON returns the schedule args as a JSON document.
func (s ScheduleConfig) ArgsJSON() (json.RawMessage, error) {
	if s.Args == nil {
		return json.RawMessage("{}"), nil
	}
	out, err := json.Marshal(s.Args)
	if err != nil {
		return nil, fmt.Errorf("encode args for schedule %q: %w", s.Name, err)
	}
	return out, nil
}

// MetadataJSON returns the schedule metadata as a JSON document.
func (s ScheduleConfig) MetadataJSON() (json.RawMessage, error) {
	if s.Metadata == nil {
		return json.RawMessage("{}"), nil
	}
	out, err := json.Marshal(s.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata for schedule %q: %w", s.Name, err)
	}
	return out, nil
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// Execution loop settings.
	ExecuteIntervalSeconds int `yaml:"execute_interval_seconds"`
	BatchSize              int `yaml:"batch_size"`
	WorkerCount            int `yaml:"worker_count"`
	HandlerTimeoutSeconds  int `yaml:"handler_timeout_seconds"`
	LeaseSeconds           int `yaml:"lease_seconds"`

	// FailureThreshold is the number of consecutive store failures the
	// executor tolerates before the process shuts itself down.
	FailureThreshold int `yaml:"failure_threshold"`

	// Retention settings.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
	RetentionDays          int `yaml:"retention_days"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// websocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Schedules []ScheduleConfig `yaml:"schedules"`

	Otel otel.Config `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:18910",
		LogLevel:               "info",
		ExecuteIntervalSeconds: 10,
		BatchSize:              50,
		WorkerCount:            4,
		HandlerTimeoutSeconds:  int((5 * time.Minute).Seconds()),
		LeaseSeconds:           60,
		FailureThreshold:       5,
		CleanupIntervalSeconds: int(time.Hour.Seconds()),
		RetentionDays:          14,
	}
}

// HomeDir returns the actiond home directory, honouring ACTIOND_HOME.
func HomeDir() string {
	if override := os.Getenv("ACTIOND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".actiond")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the actiond home, applies env overrides, and
// validates the result. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create actiond home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ACTIOND_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ACTIOND_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("ACTIOND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "actiond.db")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18910"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ExecuteIntervalSeconds <= 0 {
		cfg.ExecuteIntervalSeconds = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.HandlerTimeoutSeconds <= 0 {
		cfg.HandlerTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 60
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CleanupIntervalSeconds <= 0 {
		cfg.CleanupIntervalSeconds = int(time.Hour.Seconds())
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 14
	}
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q (supported: debug, info, warn, error)", cfg.LogLevel)
	}
	seen := make(map[string]bool, len(cfg.Schedules))
	for _, sched := range cfg.Schedules {
		if sched.Name == "" {
			return fmt.Errorf("schedule without a name")
		}
		if seen[sched.Name] {
			return fmt.Errorf("duplicate schedule name %q", sched.Name)
		}
		seen[sched.Name] = true
		if sched.Cron == "" {
			return fmt.Errorf("schedule %q has no cron expression", sched.Name)
		}
		if sched.Kind == "" {
			return fmt.Errorf("schedule %q has no action kind", sched.Name)
		}
	}
	return nil
}

// ExecuteInterval returns the executor sweep interval.
func (c Config) ExecuteInterval() time.Duration {
	return time.Duration(c.ExecuteIntervalSeconds) * time.Second
}

// CleanupInterval returns the retention sweep interval.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// Retention returns the retention window for finished records.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// HandlerTimeout returns the per-invocation handler deadline.
func (c Config) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSeconds) * time.Second
}

// LeaseDuration returns the claim lease duration.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|bind=%s|log=%s|exec=%d|batch=%d|workers=%d|retention=%d",
		c.DBPath, c.BindAddr, c.LogLevel, c.ExecuteIntervalSeconds, c.BatchSize, c.WorkerCount, c.RetentionDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
