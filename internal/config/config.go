// Package config loads service configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all service settings.
type Config struct {
	Server struct {
		Port            string `yaml:"port"`
		ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
		WriteTimeoutSec int    `yaml:"write_timeout_sec"`
		IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	} `yaml:"server"`

	Database struct {
		URL string `yaml:"url"` // empty = in-memory store
	} `yaml:"database"`

	Redis struct {
		URL    string `yaml:"url"` // empty = no cache
		TTLSec int    `yaml:"ttl_sec"`
	} `yaml:"redis"`

	Engine struct {
		SweepIntervalSec int             `yaml:"sweep_interval_sec"`
		StartingBalance  decimal.Decimal `yaml:"starting_balance"` // cash granted to new users
	} `yaml:"engine"`

	Simulator struct {
		Enabled     bool            `yaml:"enabled"`
		IntervalSec int             `yaml:"interval_sec"`
		TweakScale  decimal.Decimal `yaml:"tweak_scale"` // max absolute price nudge per tick
	} `yaml:"simulator"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"` // empty = stdout only
	} `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.Server.ReadTimeoutSec = 10
	cfg.Server.WriteTimeoutSec = 10
	cfg.Server.IdleTimeoutSec = 60
	cfg.Redis.TTLSec = 30
	cfg.Engine.SweepIntervalSec = 5
	cfg.Engine.StartingBalance = decimal.NewFromInt(10000)
	cfg.Simulator.IntervalSec = 15
	cfg.Simulator.TweakScale = decimal.NewFromFloat(0.03)
	cfg.Logging.Level = "info"
	return &cfg
}

// Load reads the YAML file at path, falling back to defaults when the
// file does not exist, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// overrideWithEnv lets deployment environments supply ports and
// connection URLs without editing the config file.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Engine.SweepIntervalSec <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %d", c.Engine.SweepIntervalSec)
	}
	if c.Engine.StartingBalance.IsNegative() {
		return fmt.Errorf("starting balance must not be negative, got %s", c.Engine.StartingBalance)
	}
	if c.Simulator.Enabled {
		if c.Simulator.IntervalSec <= 0 {
			return fmt.Errorf("simulator interval must be positive, got %d", c.Simulator.IntervalSec)
		}
		if c.Simulator.TweakScale.LessThanOrEqual(decimal.Zero) || c.Simulator.TweakScale.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("simulator tweak scale must be in (0,1), got %s", c.Simulator.TweakScale)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
