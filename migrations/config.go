package main

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/storage"
)

const defaultMigrationTable = "schema_migrations"

var (
	// ErrDatabaseURLRequired is returned when DATABASE_URL is not set.
	ErrDatabaseURLRequired = errors.New("DATABASE_URL cannot be empty")

	// ErrInvalidMigrationTable is returned for an empty or non-identifier table name.
	ErrInvalidMigrationTable = errors.New("invalid MIGRATION_TABLE")

	migrationTablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the table golang-migrate tracks applied versions in.
	MigrationTable string
}

// LoadConfig reads DATABASE_URL and MIGRATION_TABLE from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}

	if !migrationTablePattern.MatchString(c.MigrationTable) {
		return fmt.Errorf("%w: %q", ErrInvalidMigrationTable, c.MigrationTable)
	}

	return nil
}

// String is safe for logging: the database password is masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		storage.NewConfig(c.DatabaseURL).MaskDatabaseURL(), c.MigrationTable)
}
