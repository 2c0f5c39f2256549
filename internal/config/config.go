// Package config loads moodb's on-disk configuration: the store's virtual
// memory reservation and persistence root, plus ambient logging and
// scheduler defaults. CLI and environment-variable surfaces are external
// collaborators (spec §6); this package only parses the YAML file format
// the teacher's config loaders use.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/moodb/moodb/internal/logx"
)

// Config is moodb's top-level configuration document.
type Config struct {
	// Store configures the persistent store.
	Store StoreConfig `yaml:"store"`
	// Log configures the ambient logging stack.
	Log LogConfig `yaml:"log"`
	// Scheduler configures default task budgets.
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// StoreConfig is the persistence layer's configuration surface named in
// spec §6: "the store accepts a configurable virtual-memory reservation
// size and a persistence root path."
type StoreConfig struct {
	// RootPath is the directory containing wal/ and pages/.
	RootPath string `yaml:"root_path"`
	// VirtualSizeBytes is the byte size of the buffer pool's single
	// anonymous mmap reservation.
	VirtualSizeBytes int64 `yaml:"virtual_size_bytes"`
}

// LogConfig configures internal/logx.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// SchedulerConfig supplies the default per-invocation tick and wall-clock
// budgets from spec §4.9, and the conflict-retry bound from §5.
type SchedulerConfig struct {
	DefaultTicks       int64 `yaml:"default_ticks"`
	DefaultSeconds     int64 `yaml:"default_seconds"`
	MaxCommitRetries   int   `yaml:"max_commit_retries"`
}

// Default returns the configuration moodb uses when no file is supplied:
// a 512 MiB virtual reservation, a ./data root, info-level console
// logging, and the scheduler budgets the original implementation's
// comments settled on (30000 ticks, 5 seconds, 3 retries).
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			RootPath:         "./data",
			VirtualSizeBytes: 512 * 1024 * 1024,
		},
		Log: LogConfig{
			Level:      "info",
			JSONOutput: false,
		},
		Scheduler: SchedulerConfig{
			DefaultTicks:     30000,
			DefaultSeconds:   5,
			MaxCommitRetries: 3,
		},
	}
}

// Load reads and validates a YAML configuration file at path, filling
// unset fields from Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field-by-field invariants, matching the teacher's
// explicit-check validation style rather than a struct-tag validator.
func (c *Config) Validate() error {
	if c.Store.RootPath == "" {
		return fmt.Errorf("config: store.root_path must not be empty")
	}
	if c.Store.VirtualSizeBytes <= 0 {
		return fmt.Errorf("config: store.virtual_size_bytes must be positive, got %d", c.Store.VirtualSizeBytes)
	}
	if c.Scheduler.DefaultTicks <= 0 {
		return fmt.Errorf("config: scheduler.default_ticks must be positive, got %d", c.Scheduler.DefaultTicks)
	}
	if c.Scheduler.DefaultSeconds <= 0 {
		return fmt.Errorf("config: scheduler.default_seconds must be positive, got %d", c.Scheduler.DefaultSeconds)
	}
	if c.Scheduler.MaxCommitRetries < 0 {
		return fmt.Errorf("config: scheduler.max_commit_retries must be non-negative, got %d", c.Scheduler.MaxCommitRetries)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level must be one of debug/info/warn/error, got %q", c.Log.Level)
	}
	return nil
}

// InitLogging wires Log into internal/logx.
func (c *Config) InitLogging() {
	logx.Init(logx.Config{
		Level:      logx.Level(c.Log.Level),
		JSONOutput: c.Log.JSONOutput,
	})
}
