package middleware

import (
	"time"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits are requests per second for three tiers:
//   - Global: every request
//   - Client: each authenticated operator key
//   - Unauthenticated: webhook deliveries and probes
//
// A zero burst is computed as 2 × rate.
type Config struct {
	GlobalRPS int // Default: 300
	ClientRPS int // Default: 20
	UnAuthRPS int // Default: 200

	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 100
}

// LoadConfig loads rate limiter config from STAGETRACKER_* environment variables.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("STAGETRACKER_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("STAGETRACKER_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("STAGETRACKER_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("STAGETRACKER_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("STAGETRACKER_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("STAGETRACKER_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"STAGETRACKER_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("STAGETRACKER_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("STAGETRACKER_RATE_LIMIT_MAX_CLIENTS", maxClients),
	}
}
