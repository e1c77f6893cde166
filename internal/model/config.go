package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Device    DeviceConfig    `yaml:"device"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
	Events    EventsConfig    `yaml:"events"`
}

type SchedulerConfig struct {
	PollIntervalSec  int `yaml:"poll_interval_sec"`
	YieldCooldownSec int `yaml:"yield_cooldown_sec"`
	TermPollMs       int `yaml:"term_poll_ms"`
}

type DefaultsConfig struct {
	Priority     int    `yaml:"priority"`
	GraceSeconds int    `yaml:"grace_seconds"`
	Tag          string `yaml:"tag"`
}

type DeviceConfig struct {
	SMIPath         string `yaml:"smi_path"`
	QueryTimeoutSec int    `yaml:"query_timeout_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type EventsConfig struct {
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

// DefaultConfig returns the configuration used when config.yaml is absent
// or leaves fields unset.
func DefaultConfig() Config {
	return Config{
		Scheduler: SchedulerConfig{
			PollIntervalSec:  3,
			YieldCooldownSec: 10,
			TermPollMs:       500,
		},
		Defaults: DefaultsConfig{
			Priority:     DefaultPriority,
			GraceSeconds: DefaultGraceSeconds,
			Tag:          DefaultTag,
		},
		Device: DeviceConfig{
			SMIPath:         "nvidia-smi",
			QueryTimeoutSec: 5,
		},
		Daemon: DaemonConfig{
			ShutdownTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Events: EventsConfig{
			MaxFileBytes: 100 * 1024 * 1024,
		},
	}
}

// LoadConfig reads <baseDir>/config.yaml. A missing file yields the
// defaults; a present but unparsable file is an error. Unset fields fall
// back to their defaults so partial configs stay valid across upgrades.
func LoadConfig(baseDir string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filepath.Join(baseDir, ConfigFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read %s: %w", ConfigFileName, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}

	applyConfigFloors(&cfg)
	return cfg, nil
}

// applyConfigFloors replaces zero or negative interval values with the
// defaults; a scheduler that spins on a 0s tick is never intended.
func applyConfigFloors(cfg *Config) {
	def := DefaultConfig()
	if cfg.Scheduler.PollIntervalSec <= 0 {
		cfg.Scheduler.PollIntervalSec = def.Scheduler.PollIntervalSec
	}
	if cfg.Scheduler.YieldCooldownSec <= 0 {
		cfg.Scheduler.YieldCooldownSec = def.Scheduler.YieldCooldownSec
	}
	if cfg.Scheduler.TermPollMs <= 0 {
		cfg.Scheduler.TermPollMs = def.Scheduler.TermPollMs
	}
	if cfg.Device.QueryTimeoutSec <= 0 {
		cfg.Device.QueryTimeoutSec = def.Device.QueryTimeoutSec
	}
	if cfg.Device.SMIPath == "" {
		cfg.Device.SMIPath = def.Device.SMIPath
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = def.Daemon.ShutdownTimeoutSec
	}
	if cfg.Defaults.Priority == 0 {
		cfg.Defaults.Priority = def.Defaults.Priority
	}
	if cfg.Defaults.GraceSeconds <= 0 {
		cfg.Defaults.GraceSeconds = def.Defaults.GraceSeconds
	}
	if cfg.Defaults.Tag == "" {
		cfg.Defaults.Tag = def.Defaults.Tag
	}
	if cfg.Events.MaxFileBytes <= 0 {
		cfg.Events.MaxFileBytes = def.Events.MaxFileBytes
	}
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSec) * time.Second
}

func (c Config) YieldCooldown() time.Duration {
	return time.Duration(c.Scheduler.YieldCooldownSec) * time.Second
}

func (c Config) TermPollInterval() time.Duration {
	return time.Duration(c.Scheduler.TermPollMs) * time.Millisecond
}

func (c Config) DeviceQueryTimeout() time.Duration {
	return time.Duration(c.Device.QueryTimeoutSec) * time.Second
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Daemon.ShutdownTimeoutSec) * time.Second
}
