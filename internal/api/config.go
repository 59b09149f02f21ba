// Package api provides the HTTP surface of the stage tracker: the CRM webhook endpoint, the
// diagnostics endpoint, probes and the operator API.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

const (
	defaultPort           int   = 8080
	maxPort               int   = 65535
	defaultHost                 = "0.0.0.0"
	defaultTimeout              = 30 * time.Second
	defaultRetryAfter           = 5 * time.Second
	defaultLogLevel             = slog.LevelInfo
	defaultMaxRequestSize int64 = 1048576 // 1 MB
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxRequestSize indicates the max request size is zero or negative.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")

	// ErrInvalidRetryAfter indicates the overload Retry-After hint is zero or negative.
	ErrInvalidRetryAfter = errors.New("retry after must be positive")
)

// ServerConfig holds HTTP server configuration. Runtime dependencies are passed separately.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        slog.Level
	MaxRequestSize  int64

	// WebhookSecret enables FUB-Signature verification when non-empty.
	WebhookSecret string

	// RetryAfter is sent with 503 responses when the work queue is full.
	RetryAfter time.Duration
}

// LoadServerConfig loads server configuration from environment variables with sensible defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("STAGETRACKER_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("STAGETRACKER_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("STAGETRACKER_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("STAGETRACKER_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("STAGETRACKER_SERVER_SHUTDOWN_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("STAGETRACKER_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("STAGETRACKER_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		WebhookSecret:   config.GetEnvStr("STAGETRACKER_WEBHOOK_SECRET", ""),
		RetryAfter:      config.GetEnvDuration("STAGETRACKER_OVERLOAD_RETRY_AFTER", defaultRetryAfter),
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	if c.RetryAfter <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidRetryAfter, c.RetryAfter)
	}

	return nil
}

// String is safe for logging: the webhook secret is never printed.
func (c *ServerConfig) String() string {
	return fmt.Sprintf("ServerConfig{Address: %s, MaxRequestSize: %d, SignatureVerification: %t}",
		c.Address(), c.MaxRequestSize, c.WebhookSecret != "")
}
