package publish

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

const (
	defaultTopic        = "lead-stage-transitions"
	defaultWriteTimeout = 10 * time.Second
	defaultBatchTimeout = 10 * time.Millisecond
)

// ErrInvalidConfig is returned for an unusable publisher configuration.
var ErrInvalidConfig = errors.New("invalid publisher configuration")

// Config holds Kafka publisher configuration. An empty broker list disables publishing.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

// LoadConfig loads publisher config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.GetEnvList("STAGETRACKER_KAFKA_BROKERS"),
		Topic:        config.GetEnvStr("STAGETRACKER_KAFKA_TOPIC", defaultTopic),
		WriteTimeout: config.GetEnvDuration("STAGETRACKER_KAFKA_WRITE_TIMEOUT", defaultWriteTimeout),
		BatchTimeout: config.GetEnvDuration("STAGETRACKER_KAFKA_BATCH_TIMEOUT", defaultBatchTimeout),
	}
}

// Enabled reports whether any broker is configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks the configuration. A disabled configuration is always valid.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}

	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("%w: topic is required when brokers are set", ErrInvalidConfig)
	}

	if c.WriteTimeout <= 0 || c.BatchTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}

	return nil
}
