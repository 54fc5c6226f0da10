// Package config holds brain configuration loaded from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all brain configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Data directory: store file, execution logs, debug logs live here.
	DataDir string `yaml:"data_dir"`

	// Component sections
	Memory    MemoryConfig    `yaml:"memory"`
	Session   SessionConfig   `yaml:"session"`
	Execution ExecutionConfig `yaml:"execution"`
	Worker    WorkerConfig    `yaml:"worker"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MemoryConfig configures the tiered memory store.
type MemoryConfig struct {
	// Steady-state upper bound on hot rows.
	HotCapacity int `yaml:"hot_capacity"`
	// Promotion headroom target during rebalance (kept below HotCapacity).
	HotTarget int `yaml:"hot_target"`
	// Values above this many bytes are gzip-compressed before storage.
	CompressionThreshold int `yaml:"compression_threshold"`
	// Hard cap per value; larger writes fail.
	MaxValueBytes int `yaml:"max_value_bytes"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	// Duration after which inactive sessions are reaped.
	TTL string `yaml:"ttl"`
}

// ExecutionConfig configures the execution queue and output capture.
type ExecutionConfig struct {
	// Directory for per-execution .out/.err files, relative to DataDir
	// unless absolute.
	LogDir string `yaml:"log_dir"`
	// SIGTERM/SIGKILL wall-clock deadline per job.
	WallClockLimit string `yaml:"wall_clock_limit"`
	// Per-stream byte cap before the truncation flag is set.
	InlineOutputCap int `yaml:"inline_output_cap"`
	// Default retry budget for stale-claim recovery.
	MaxRetries int `yaml:"max_retries"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`
	// How often an idle worker polls for queued work.
	PollInterval string `yaml:"poll_interval"`
	// Heartbeat cadence; claims from workers silent longer than
	// StaleClaimAfter are reclaimed.
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	StaleClaimAfter   string `yaml:"stale_claim_after"`
}

// LoggingConfig configures the categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "brain",
		Version: "1.0.0",
		DataDir: "data",

		Memory: MemoryConfig{
			HotCapacity:          300,
			HotTarget:            250,
			CompressionThreshold: 1024,
			MaxValueBytes:        1 << 20,
		},

		Session: SessionConfig{
			TTL: "24h",
		},

		Execution: ExecutionConfig{
			LogDir:          "executions",
			WallClockLimit:  "5m",
			InlineOutputCap: 1 << 20,
			MaxRetries:      3,
		},

		Worker: WorkerConfig{
			MinWorkers:        1,
			MaxWorkers:        4,
			PollInterval:      "500ms",
			HeartbeatInterval: "15s",
			StaleClaimAfter:   "2m",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides overrides config fields from environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BRAIN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("BRAIN_SESSION_TTL"); v != "" {
		c.Session.TTL = v
	}
	if v := os.Getenv("BRAIN_HOT_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Memory.HotCapacity = n
		}
	}
	if v := os.Getenv("BRAIN_WALL_CLOCK_LIMIT"); v != "" {
		c.Execution.WallClockLimit = v
	}
	if v := os.Getenv("BRAIN_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Worker.MaxWorkers = n
		}
	}
	if v := os.Getenv("BRAIN_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || v == "true"
	}
}

// StorePath returns the path of the SQLite store file.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "brain.db")
}

// ExecutionLogDir returns the absolute directory for execution log files.
func (c *Config) ExecutionLogDir() string {
	if filepath.IsAbs(c.Execution.LogDir) {
		return c.Execution.LogDir
	}
	return filepath.Join(c.DataDir, c.Execution.LogDir)
}

// SessionTTL parses the session TTL, falling back to 24h.
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.Session.TTL, 24*time.Hour)
}

// WallClockLimit parses the per-job wall-clock limit, falling back to 5m.
func (c *Config) WallClockLimit() time.Duration {
	return parseDuration(c.Execution.WallClockLimit, 5*time.Minute)
}

// PollInterval parses the worker poll interval, falling back to 500ms.
func (c *Config) PollInterval() time.Duration {
	return parseDuration(c.Worker.PollInterval, 500*time.Millisecond)
}

// HeartbeatInterval parses the worker heartbeat cadence, falling back to 15s.
func (c *Config) HeartbeatInterval() time.Duration {
	return parseDuration(c.Worker.HeartbeatInterval, 15*time.Second)
}

// StaleClaimAfter parses the stale-claim threshold, falling back to 2m.
func (c *Config) StaleClaimAfter() time.Duration {
	return parseDuration(c.Worker.StaleClaimAfter, 2*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
