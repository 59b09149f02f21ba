// Package config provides functions for reading stage tracker settings from the environment.
//
// Every getter falls back to its default when the variable is unset, blank or unparsable, so a
// typo in one setting never prevents startup. Packages validate the resulting values in their
// own Config.Validate.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of key and whether it is non-blank.
func lookup(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))

	return value, value != ""
}

// getEnvParsed applies parse to the value of key, returning defaultValue when the variable is
// blank or parse fails.
func getEnvParsed[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	value, ok := lookup(key)
	if !ok {
		return defaultValue
	}

	parsed, err := parse(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvStr returns a string environment variable value or a default if not set.
//
// Example:
//
//	host := GetEnvStr("STAGETRACKER_SERVER_HOST", "0.0.0.0")
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt returns an int environment variable value or a default.
//
// Example:
//
//	workers := GetEnvInt("STAGETRACKER_WORKERS", 4)
func GetEnvInt(key string, defaultValue int) int {
	return getEnvParsed(key, defaultValue, strconv.Atoi)
}

// GetEnvInt64 returns an int64 environment variable value or a default.
func GetEnvInt64(key string, defaultValue int64) int64 {
	return getEnvParsed(key, defaultValue, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

// GetEnvFloat64 returns a float64 environment variable value or a default.
// Used for fractional request rates such as "2.5" requests per second.
func GetEnvFloat64(key string, defaultValue float64) float64 {
	return getEnvParsed(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// GetEnvBool returns a bool environment variable value or a default.
// Accepts true/1/yes and false/0/no, case-insensitive.
//
// Example:
//
//	enabled := GetEnvBool("STAGETRACKER_RECONCILE_ON_START", false)
func GetEnvBool(key string, defaultValue bool) bool {
	value, ok := lookup(key)
	if !ok {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

// GetEnvDuration returns a duration environment variable value (time.ParseDuration format)
// or a default.
//
// Example:
//
//	window := GetEnvDuration("STAGETRACKER_DEDUP_WINDOW", 30*time.Second)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return getEnvParsed(key, defaultValue, time.ParseDuration)
}

// GetEnvLogLevel returns a slog level parsed from the environment or a default.
// Recognized values: debug, info, warn/warning, error.
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	value, _ := lookup(key)

	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultValue
	}
}

// GetEnvList returns the comma-separated values of key, trimmed, without empty items.
//
// Example:
//
//	brokers := GetEnvList("STAGETRACKER_KAFKA_BROKERS")
func GetEnvList(key string) []string {
	value, _ := lookup(key)

	return ParseCommaSeparatedList(value)
}

// ParseCommaSeparatedList parses a comma-separated string into a slice of trimmed strings.
// Empty values are filtered out.
func ParseCommaSeparatedList(input string) []string {
	result := make([]string, 0)

	for part := range strings.SplitSeq(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
