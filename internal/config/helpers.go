package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // used to run migrations using source files
	_ "github.com/lib/pq"                                // registers the "postgres" database/sql driver
)

const (
	postgresImage   = "postgres:16-alpine"
	kafkaImage      = "confluentinc/confluent-local:7.5.0"
	readyLogCount   = 2
	startUpTimeOut  = 120 * time.Second
	terminateWithin = 30 * time.Second

	// DefaultMigrationsPath is the migrations directory relative to any package two levels
	// below the module root (internal/storage, internal/api, ...).
	DefaultMigrationsPath = "file://../../migrations"
)

// appTables lists the tables Reset empties, in dependency order.
var appTables = []string{"stage_transitions"} //nolint: gochecknoglobals

type (
	// TestDatabase is a migrated PostgreSQL container owned by one test.
	TestDatabase struct {
		Container  *postgres.PostgresContainer
		Connection *sql.DB
		URL        string
	}

	// TestKafka is a single-broker Kafka container owned by one test.
	TestKafka struct {
		Container *tckafka.KafkaContainer
		Brokers   []string
	}
)

// SetupTestDatabase starts PostgreSQL, applies every migration and registers cleanup with t.
//
// Usage:
//
//	func TestTransitionStore(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		testDB := config.SetupTestDatabase(context.Background(), t)
//		conn := storage.WrapDB(testDB.Connection)
//	}
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase("stagetracker_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyLogCount).
				WithStartupTimeout(startUpTimeOut),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	require.NotNil(t, pgContainer, "postgres container is nil")

	testDB := &TestDatabase{Container: pgContainer}
	t.Cleanup(testDB.close)

	testDB.URL, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	testDB.Connection, err = sql.Open("postgres", testDB.URL)
	require.NoError(t, err, "Failed to open database")

	require.NoError(t, RunTestMigrations(testDB.Connection, DefaultMigrationsPath), "Failed to run migrations")

	return testDB
}

// Reset empties every application table so subtests can share one container.
func (d *TestDatabase) Reset(ctx context.Context, t *testing.T) {
	t.Helper()

	for _, table := range appTables {
		_, err := d.Connection.ExecContext(ctx, "TRUNCATE "+table+" RESTART IDENTITY")
		require.NoError(t, err, "Failed to truncate %s", table)
	}
}

func (d *TestDatabase) close() {
	if d.Connection != nil {
		_ = d.Connection.Close()
	}

	_ = testcontainers.TerminateContainer(d.Container, testcontainers.StopTimeout(terminateWithin))
}

// SetupTestKafka starts a single-node KRaft broker and registers cleanup with t. Topics are
// created on first write.
func SetupTestKafka(ctx context.Context, t *testing.T) *TestKafka {
	t.Helper()

	container, err := tckafka.Run(ctx, kafkaImage, tckafka.WithClusterID("stagetracker-test"))
	require.NoError(t, err, "Failed to start kafka container")

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container, testcontainers.StopTimeout(terminateWithin))
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err, "Failed to resolve kafka brokers")

	return &TestKafka{Container: container, Brokers: brokers}
}

// RunTestMigrations applies all migrations found at sourceURL (a golang-migrate source such
// as "file://../../migrations") against db. Nothing to apply is not an error.
func RunTestMigrations(db *sql.DB, sourceURL string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration source %s: %w", sourceURL, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}
