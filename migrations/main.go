// Package main provides the database migration CLI for the ingestor.
//
// Migrations own the fixed schema (the audit log). The partitioned
// transactions tree is created by the provisioner from the topology file.
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

	"github.com/s2report/ingestor/internal/config"
)

// Build-time version information, set with -ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	name      = "migrator"
)

// ErrUnknownCommand is returned for commands the migrator does not know.
var ErrUnknownCommand = errors.New("unknown command")

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		assumeYes   = flag.Bool("yes", false, "Skip the confirmation prompt of destructive commands")
	)

	flag.Parse()

	if *showVersion {
		printVersionInfo(os.Stdout)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner, err := NewMigrationRunner(cfg, logger)
	if err != nil {
		logger.Error("Failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	confirm := confirmFrom(os.Stdin, os.Stdout)
	if *assumeYes {
		confirm = func(string) bool { return true }
	}

	err = executeCommand(flag.Arg(0), runner, confirm, os.Stdout)

	_ = runner.Close()

	if err != nil {
		logger.Error("Migration failed", slog.String("command", flag.Arg(0)), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand runs one migrator command. confirm gates destructive commands.
func executeCommand(command string, runner MigrationRunner, confirm func(prompt string) bool, out io.Writer) error {
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

		printStatus(out, status)

		return nil
	case "drop":
		if !confirm("WARNING: This will drop all tables. Are you sure? (y/N): ") {
			_, _ = fmt.Fprintln(out, "Operation cancelled.")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func confirmFrom(in io.Reader, out io.Writer) func(string) bool {
	return func(prompt string) bool {
		_, _ = fmt.Fprint(out, prompt)

		line, _ := bufio.NewReader(in).ReadString('\n')

		return strings.EqualFold(strings.TrimSpace(line), "y")
	}
}

func printStatus(out io.Writer, s Status) {
	state := "clean"
	if s.Dirty {
		state = "dirty (needs manual intervention)"
	}

	_, _ = fmt.Fprintf(out, "Database schema: v%03d (%s)\n", s.Current, state)
	_, _ = fmt.Fprintf(out, "Migrator supports: v%03d\n", s.Latest)

	switch {
	case s.Current == s.Latest:
		_, _ = fmt.Fprintln(out, "Status: up to date")
	case s.Current < s.Latest:
		_, _ = fmt.Fprintf(out, "Status: %d migration(s) pending\n", s.Pending())
	default:
		_, _ = fmt.Fprintf(out, "Status: database schema newer than migrator; upgrade to handle v%03d\n", s.Current)
	}
}

func printVersionInfo(out io.Writer) {
	_, _ = fmt.Fprintf(out, "%s v%s\n", name, Version)
	_, _ = fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
	_, _ = fmt.Fprintf(out, "Build Time: %s\n", BuildTime)
}

func printUsage(out io.Writer) {
	_, _ = fmt.Fprintf(out, `%s v%s - Database migration tool for the ingestor

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Roll back the last migration
    status  Show applied and embedded schema versions
    version Alias of status
    drop    Drop all tables (asks for confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information
    --yes      Do not ask before destructive commands

ENVIRONMENT VARIABLES:
    DATABASE_URL     PostgreSQL connection string (REQUIRED)
    MIGRATION_TABLE  Migration tracking table (default: schema_migrations)
    LOG_LEVEL        debug, info, warn or error (default: info)
`, name, Version, name)
}
