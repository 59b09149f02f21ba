package dedup

import (
	"errors"
	"fmt"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

const (
	defaultWindow        = 30 * time.Second
	defaultMaxPerWindow  = 2
	defaultSweepInterval = time.Minute

	// idleMultiplier: entities idle longer than idleMultiplier × Window are evicted.
	idleMultiplier = 2
)

// ErrInvalidConfig is returned by Validate for unusable deduplicator settings.
var ErrInvalidConfig = errors.New("invalid deduplicator configuration")

// Config holds deduplicator configuration.
type Config struct {
	Window        time.Duration // Default: 30s
	MaxPerWindow  int           // Default: 2 notifications allowed per entity per window
	SweepInterval time.Duration // Default: 1 minute
}

// LoadConfig loads deduplicator config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Window:        config.GetEnvDuration("STAGETRACKER_DEDUP_WINDOW", defaultWindow),
		MaxPerWindow:  config.GetEnvInt("STAGETRACKER_DEDUP_MAX_PER_WINDOW", defaultMaxPerWindow),
		SweepInterval: config.GetEnvDuration("STAGETRACKER_DEDUP_SWEEP_INTERVAL", defaultSweepInterval),
	}
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Window:        defaultWindow,
		MaxPerWindow:  defaultMaxPerWindow,
		SweepInterval: defaultSweepInterval,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, c.Window)
	}

	if c.MaxPerWindow < 1 {
		return fmt.Errorf("%w: max per window must be at least 1, got %d", ErrInvalidConfig, c.MaxPerWindow)
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive, got %s", ErrInvalidConfig, c.SweepInterval)
	}

	return nil
}

// IdleTimeout is how long an entity may go without notifications before it is evicted.
func (c *Config) IdleTimeout() time.Duration {
	return idleMultiplier * c.Window
}
