// Package config provides configuration management for chronicle.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default values used when settings.yaml is absent or partial.
const (
	DefaultMaxConns        = 4
	DefaultMinIdleConns    = 1
	DefaultBatchSize       = 200
	DefaultMaxLineBytes    = 10 * 1024 * 1024
	DefaultSmallFileBytes  = 1 * 1024 * 1024
	DefaultFKRetryLimit    = 3
	DefaultBusyRetryLimit  = 5
	DefaultRequestsPerMin  = 60
	DefaultQueryLimit      = 100
	MaxQueryLimit          = 10000
	DefaultMaxPasses       = 4
	DefaultWorkerAddr      = "127.0.0.1:37700"
	DefaultAcquireTimeoutS = 30
	DefaultIdleMaxAgeS     = 300
	DefaultLockTimeoutS    = 30
)

// Config holds the runtime settings for both the sync daemon and the
// query server.
type Config struct {
	TranscriptDir string `yaml:"transcript_dir"`
	DBPath        string `yaml:"db_path"`
	AuditLogPath  string `yaml:"audit_log_path"`
	LockDir       string `yaml:"lock_dir"`

	MaxConns           int `yaml:"max_conns"`
	MinIdleConns       int `yaml:"min_idle_conns"`
	AcquireTimeoutSecs int `yaml:"acquire_timeout_secs"`
	IdleMaxAgeSecs     int `yaml:"idle_max_age_secs"`

	BatchSize      int `yaml:"batch_size"`
	MaxLineBytes   int `yaml:"max_line_bytes"`
	SmallFileBytes int `yaml:"small_file_bytes"`

	FKRetryLimit   int `yaml:"fk_retry_limit"`
	BusyRetryLimit int `yaml:"busy_retry_limit"`

	LockTimeoutSecs int `yaml:"lock_timeout_secs"`

	MaxConcurrentPasses int `yaml:"max_concurrent_passes"`

	WorkerAddr        string `yaml:"worker_addr"`
	RateStrategy      string `yaml:"rate_strategy"` // "token_bucket" or "sliding_window"
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	QueryDefaultLimit int    `yaml:"query_default_limit"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		TranscriptDir:       TranscriptDir(),
		DBPath:              DBPath(),
		AuditLogPath:        AuditLogPath(),
		LockDir:             LockDir(),
		MaxConns:            DefaultMaxConns,
		MinIdleConns:        DefaultMinIdleConns,
		AcquireTimeoutSecs:  DefaultAcquireTimeoutS,
		IdleMaxAgeSecs:      DefaultIdleMaxAgeS,
		BatchSize:           DefaultBatchSize,
		MaxLineBytes:        DefaultMaxLineBytes,
		SmallFileBytes:      DefaultSmallFileBytes,
		FKRetryLimit:        DefaultFKRetryLimit,
		BusyRetryLimit:      DefaultBusyRetryLimit,
		LockTimeoutSecs:     DefaultLockTimeoutS,
		MaxConcurrentPasses: DefaultMaxPasses,
		WorkerAddr:          DefaultWorkerAddr,
		RateStrategy:        "token_bucket",
		RequestsPerMinute:   DefaultRequestsPerMin,
		QueryDefaultLimit:   DefaultQueryLimit,
	}
}

// Load reads settings.yaml and overlays it on the defaults.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	cfg.applyFloors()
	return cfg, nil
}

// applyFloors clamps nonsensical values back to defaults.
func (c *Config) applyFloors() {
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinIdleConns < 0 || c.MinIdleConns > c.MaxConns {
		c.MinIdleConns = DefaultMinIdleConns
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = DefaultRequestsPerMin
	}
	if c.QueryDefaultLimit <= 0 || c.QueryDefaultLimit > MaxQueryLimit {
		c.QueryDefaultLimit = DefaultQueryLimit
	}
}

// DataDir returns the chronicle data directory (~/.chronicle).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".chronicle")
}

// TranscriptDir returns the default transcript source directory.
func TranscriptDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".claude", "projects")
}

// DBPath returns the SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "chronicle.db")
}

// AuditLogPath returns the append-only audit trail path.
func AuditLogPath() string {
	return filepath.Join(DataDir(), "audit.jsonl")
}

// LockDir returns the advisory lock marker directory.
func LockDir() string {
	return filepath.Join(DataDir(), "locks")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.yaml")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

// EnsureLockDir creates the lock marker directory if missing.
func EnsureLockDir() error {
	return os.MkdirAll(LockDir(), 0o755)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default settings: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// EnsureAll creates the data directory, lock directory, and settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	if err := EnsureLockDir(); err != nil {
		return err
	}
	return EnsureSettings()
}
