package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

const (
	defaultSchedule      = "@every 15m"
	defaultLookback      = 30 * time.Minute
	defaultBatchSize     = 500
	defaultEntityTimeout = 15 * time.Second
	defaultRunTimeout    = 10 * time.Minute
)

// ErrInvalidConfig is returned for an unusable poller configuration.
var ErrInvalidConfig = errors.New("invalid reconciliation configuration")

// Config holds reconciliation poller settings.
type Config struct {
	// Schedule is a standard cron expression or descriptor ("@every 15m"). Empty disables
	// scheduled runs; operator-triggered runs still work.
	Schedule string

	// Lookback is how far before the previous run the next run starts listing, covering clock
	// skew and CRM indexing delay. The first run looks back this far from now.
	Lookback time.Duration

	// BatchSize caps how many people one run examines.
	BatchSize int

	EntityTimeout time.Duration
	RunTimeout    time.Duration

	// RunOnStart triggers one run when the poller starts, catching up on changes missed while
	// the service was down. It applies whether or not a schedule is set.
	RunOnStart bool
}

// LoadConfig loads poller config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Schedule:      strings.TrimSpace(config.GetEnvStr("STAGETRACKER_RECONCILE_SCHEDULE", defaultSchedule)),
		Lookback:      config.GetEnvDuration("STAGETRACKER_RECONCILE_LOOKBACK", defaultLookback),
		BatchSize:     config.GetEnvInt("STAGETRACKER_RECONCILE_BATCH_SIZE", defaultBatchSize),
		EntityTimeout: config.GetEnvDuration("STAGETRACKER_RECONCILE_ENTITY_TIMEOUT", defaultEntityTimeout),
		RunTimeout:    config.GetEnvDuration("STAGETRACKER_RECONCILE_RUN_TIMEOUT", defaultRunTimeout),
		RunOnStart:    config.GetEnvBool("STAGETRACKER_RECONCILE_ON_START", false),
	}
}

// DefaultConfig returns the default poller settings.
func DefaultConfig() *Config {
	return &Config{
		Schedule:      defaultSchedule,
		Lookback:      defaultLookback,
		BatchSize:     defaultBatchSize,
		EntityTimeout: defaultEntityTimeout,
		RunTimeout:    defaultRunTimeout,
	}
}

// Enabled reports whether scheduled runs are configured.
func (c *Config) Enabled() bool {
	return c.Schedule != ""
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Enabled() {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("%w: schedule %q: %w", ErrInvalidConfig, c.Schedule, err)
		}
	}

	switch {
	case c.Lookback <= 0:
		return fmt.Errorf("%w: lookback must be positive", ErrInvalidConfig)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be at least 1", ErrInvalidConfig)
	case c.EntityTimeout <= 0 || c.RunTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}

	return nil
}
