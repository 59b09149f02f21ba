// Package storage provides the durable stage transition history: a PostgreSQL store with
// per-entity advisory locking and an in-process store for single-instance use and tests.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

const (
	defaultMaxOpenConns         = 25
	defaultMaxIdleConns         = 5
	defaultConnMaxLifetime      = 30 * time.Minute
	defaultConnMaxIdleTime      = 10 * time.Minute
	defaultRetryMaxAttempts     = 4
	defaultRetryInitialInterval = 100 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrInvalidRetryPolicy is returned when the retry settings cannot form a bounded policy.
	ErrInvalidRetryPolicy = errors.New("invalid store retry policy")
)

// Config holds PostgreSQL connection and retry configuration with production-ready defaults.
type Config struct {
	databaseURL     string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections

	// Retry applies to whole units of work that fail with a transient error.
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// LoadConfig loads PostgreSQL configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		RetryMaxAttempts: config.GetEnvInt(
			"STAGETRACKER_STORE_RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts,
		),
		RetryInitialInterval: config.GetEnvDuration(
			"STAGETRACKER_STORE_RETRY_INITIAL_INTERVAL", defaultRetryInitialInterval,
		),
		RetryMaxInterval: config.GetEnvDuration(
			"STAGETRACKER_STORE_RETRY_MAX_INTERVAL", defaultRetryMaxInterval,
		),
	}
}

// NewConfig builds a Config for an explicit database URL with default pool and retry settings.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:          databaseURL,
		MaxOpenConns:         defaultMaxOpenConns,
		MaxIdleConns:         defaultMaxIdleConns,
		ConnMaxLifetime:      defaultConnMaxLifetime,
		ConnMaxIdleTime:      defaultConnMaxIdleTime,
		RetryMaxAttempts:     defaultRetryMaxAttempts,
		RetryInitialInterval: defaultRetryInitialInterval,
		RetryMaxInterval:     defaultRetryMaxInterval,
	}
}

// Configured reports whether a database URL was provided.
func (c *Config) Configured() bool {
	return strings.TrimSpace(c.databaseURL) != ""
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return c.RetryPolicy().Validate()
}

// RetryPolicy returns the retry settings as a RetryPolicy.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     c.RetryMaxAttempts,
		InitialInterval: c.RetryInitialInterval,
		MaxInterval:     c.RetryMaxInterval,
	}
}

// Validate checks that the policy is bounded.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidRetryPolicy, p.MaxAttempts)
	}

	if p.InitialInterval <= 0 || p.MaxInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidRetryPolicy)
	}

	if p.InitialInterval > p.MaxInterval {
		return fmt.Errorf("%w: initial interval %v exceeds max interval %v",
			ErrInvalidRetryPolicy, p.InitialInterval, p.MaxInterval)
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	// The last @ separates userinfo from host.
	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		return c.databaseURL
	}

	username := userInfo[:colonIndex]
	if userInfo[colonIndex+1:] == "" {
		return c.databaseURL
	}

	return c.databaseURL[:schemeEnd] + "://" + username + ":***" + afterScheme[lastAtIndex:]
}
