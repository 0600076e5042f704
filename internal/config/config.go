// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DBPath          string        `env:"ABE_DB_PATH" envDefault:"./abengine.db"`
	Port            int           `env:"ABE_PORT" envDefault:"8080"`
	MinExposures    int64         `env:"ABE_MIN_EXPOSURES" envDefault:"100"`
	ConfidenceLevel float64       `env:"ABE_CONFIDENCE_LEVEL" envDefault:"0.95"`
	LogLevel        string        `env:"ABE_LOG_LEVEL" envDefault:"info"`
	QueueSize       int           `env:"ABE_QUEUE_SIZE" envDefault:"1024"`
	RefreshInterval time.Duration `env:"ABE_REFRESH_INTERVAL" envDefault:"1s"`
	AdminToken      string        `env:"ABE_ADMIN_TOKEN"`
}

// Load parses the environment into a Config and checks its ranges.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MinExposures < 0 {
		return fmt.Errorf("ABE_MIN_EXPOSURES must not be negative, got %d", c.MinExposures)
	}
	if c.ConfidenceLevel <= 0 || c.ConfidenceLevel >= 1 {
		return fmt.Errorf("ABE_CONFIDENCE_LEVEL must be in (0,1), got %v", c.ConfidenceLevel)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("ABE_QUEUE_SIZE must not be negative, got %d", c.QueueSize)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("ABE_REFRESH_INTERVAL must not be negative, got %s", c.RefreshInterval)
	}
	return nil
}
