package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

const (
	defaultQueueCapacity = 1000
	defaultWorkers       = 8
	defaultFetchTimeout  = 10 * time.Second
	defaultStoreTimeout  = 5 * time.Second
)

// ErrInvalidConfig is returned for an unusable pipeline configuration.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// Config holds work queue and worker pool settings.
type Config struct {
	// QueueCapacity bounds pending units of work. When full, new work is rejected.
	QueueCapacity int
	Workers       int

	// FetchTimeout bounds one CRM snapshot fetch.
	FetchTimeout time.Duration

	// StoreTimeout bounds one detection (lock, read, insert, commit).
	StoreTimeout time.Duration
}

// LoadConfig loads pipeline config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		QueueCapacity: config.GetEnvInt("STAGETRACKER_QUEUE_CAPACITY", defaultQueueCapacity),
		Workers:       config.GetEnvInt("STAGETRACKER_WORKERS", defaultWorkers),
		FetchTimeout:  config.GetEnvDuration("STAGETRACKER_FETCH_TIMEOUT", defaultFetchTimeout),
		StoreTimeout:  config.GetEnvDuration("STAGETRACKER_STORE_TIMEOUT", defaultStoreTimeout),
	}
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() *Config {
	return &Config{
		QueueCapacity: defaultQueueCapacity,
		Workers:       defaultWorkers,
		FetchTimeout:  defaultFetchTimeout,
		StoreTimeout:  defaultStoreTimeout,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.QueueCapacity < 1:
		return fmt.Errorf("%w: queue capacity must be at least 1", ErrInvalidConfig)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalidConfig)
	case c.FetchTimeout <= 0:
		return fmt.Errorf("%w: fetch timeout must be positive", ErrInvalidConfig)
	case c.StoreTimeout <= 0:
		return fmt.Errorf("%w: store timeout must be positive", ErrInvalidConfig)
	}

	return nil
}
