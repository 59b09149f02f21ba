package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const pingTimeout = 10 * time.Second

type (
	// MigrationRunner is the command surface of the migrator.
	MigrationRunner interface {
		Up() error
		Down() error
		Status() (*SchemaStatus, error)
		Drop() error
		Close() error
	}

	// SchemaStatus describes the database schema relative to the migrations in this binary.
	SchemaStatus struct {
		Version   uint
		Dirty     bool
		Available int
	}

	// Runner implements MigrationRunner with golang-migrate over the embedded migration set.
	Runner struct {
		migrate *migrate.Migrate
		db      *sql.DB
		set     *MigrationSet
		logger  *slog.Logger
	}

	// migrateLogger forwards golang-migrate's logs to slog.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// NewMigrationRunner validates the embedded migrations, connects and prepares golang-migrate.
func NewMigrationRunner(cfg *Config, logger *slog.Logger) (*Runner, error) {
	logger.Info("initializing migration runner", slog.String("config", cfg.String()))

	set := NewMigrationSet(nil)
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.MigrationTable})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(set.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	return &Runner{migrate: m, db: db, set: set, logger: logger}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	if err := r.set.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("no new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("all migrations applied")

	return nil
}

// Down rolls back the last applied migration.
func (r *Runner) Down() error {
	if err := r.set.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("no migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("last migration rolled back")

	return nil
}

// Status reports the applied version and how many embedded migrations exist.
func (r *Runner) Status() (*SchemaStatus, error) {
	status := &SchemaStatus{Available: r.set.MaxSequence()}

	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return status, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get migration version: %w", err)
	}

	status.Version = version
	status.Dirty = dirty

	return status, nil
}

// Drop removes every object in the database.
func (r *Runner) Drop() error {
	r.logger.Warn("dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	return nil
}

// Close closes golang-migrate and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		errs = append(errs, sourceErr, dbErr)
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Pending returns how many embedded migrations are not applied yet.
func (s *SchemaStatus) Pending() int {
	if pending := s.Available - int(s.Version); pending > 0 { // #nosec G115 - versions are small
		return pending
	}

	return 0
}

// String renders the status for the CLI.
func (s *SchemaStatus) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "database schema: v%03d", s.Version)

	if s.Dirty {
		b.WriteString(" (dirty, needs manual intervention)")
	}

	fmt.Fprintf(&b, "\nbinary supports: v%03d\n", s.Available)

	switch {
	case int(s.Version) == s.Available: // #nosec G115
		b.WriteString("status: up to date")
	case s.Pending() > 0:
		fmt.Fprintf(&b, "status: %d migration(s) pending", s.Pending())
	default:
		b.WriteString("status: database schema is newer than this binary")
	}

	return b.String()
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
