// Package main provides the database migration CLI for the stage tracker.
//
// Migrations are embedded at build time, so the binary needs nothing but DATABASE_URL.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
)

// Build-time version information, set with -ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	name      = "stagetracker-migrate"
)

// ErrUnknownCommand is returned for commands the migrator does not implement.
var ErrUnknownCommand = errors.New("unknown command")

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s (commit %s, built %s)\n", name, Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("STAGETRACKER_LOG_LEVEL", slog.LevelInfo),
	}))

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner, err := NewMigrationRunner(cfg, logger)
	if err != nil {
		logger.Error("failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	err = executeCommand(flag.Arg(0), runner, os.Stdin, os.Stdout)

	_ = runner.Close()

	if err != nil {
		logger.Error("migration failed", slog.String("command", flag.Arg(0)), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand dispatches one CLI command. drop asks for confirmation on in.
func executeCommand(command string, runner MigrationRunner, in io.Reader, out io.Writer) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status", "version":
		status, err := runner.Status()
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintln(out, status.String())

		return nil
	case "drop":
		_, _ = fmt.Fprint(out, "WARNING: this drops every table. Continue? (y/N): ")

		answer, _ := bufio.NewReader(in).ReadString('\n')
		if strings.EqualFold(strings.TrimSpace(answer), "y") {
			return runner.Drop()
		}

		_, _ = fmt.Fprintln(out, "operation cancelled")

		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func printUsage() {
	fmt.Printf(`%s v%s - database migrations for the stage tracker

USAGE:
    %s [--version] COMMAND

COMMANDS:
    up       Apply all pending migrations
    down     Roll back the last migration
    status   Show the applied schema version and pending migrations
    version  Alias for status
    drop     Drop all tables (asks for confirmation)

ENVIRONMENT:
    DATABASE_URL           PostgreSQL connection string (required)
    MIGRATION_TABLE        Migration tracking table (default: schema_migrations)
    STAGETRACKER_LOG_LEVEL Log level (default: info)
`, name, Version, name)
}
