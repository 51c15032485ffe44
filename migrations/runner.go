package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const pingTimeout = 10 * time.Second

type (
	// MigrationRunner defines the commands the migrator exposes.
	MigrationRunner interface {
		// Up applies all pending migrations.
		Up() error

		// Down rolls back the last migration.
		Down() error

		// Status reports the current version and pending migrations.
		Status() (Status, error)

		// Drop drops every object in the database (destructive).
		Drop() error

		// Close releases the database connection.
		Close() error
	}

	// Status is the schema state of the database relative to the binary.
	Status struct {
		// Current is the applied version, 0 when nothing was applied.
		Current int
		// Latest is the highest version embedded in this binary.
		Latest int
		Dirty  bool
	}

	// Runner implements MigrationRunner using golang-migrate over the embedded files.
	Runner struct {
		migrate  *migrate.Migrate
		db       *sql.DB
		embedded *EmbeddedMigration
		logger   *slog.Logger
	}

	// migrateLogger adapts slog to migrate.Logger.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// Pending is the number of migrations the database is behind.
func (s Status) Pending() int {
	return max(s.Latest-s.Current, 0)
}

// NewMigrationRunner validates the embedded migrations, connects and builds a runner.
func NewMigrationRunner(cfg *Config, logger *slog.Logger) (*Runner, error) {
	logger.Info("Initializing migration runner", slog.String("config", cfg.String()))

	embedded := NewEmbeddedMigration(nil)
	if err := embedded.Validate(); err != nil {
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

	source, err := iofs.New(embedded.FS(), ".")
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

	return &Runner{
		migrate:  m,
		db:       db,
		embedded: embedded,
		logger:   logger,
	}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info("No new migrations to apply")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		r.logger.Info("All migrations applied successfully")
	}

	return nil
}

// Down rolls back the last migration.
func (r *Runner) Down() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)

	var shortLimit migrate.ErrShortLimit

	switch {
	case errors.Is(err, migrate.ErrNoChange), errors.As(err, &shortLimit):
		r.logger.Info("No migrations to roll back")
	case err != nil:
		return fmt.Errorf("migration down failed: %w", err)
	default:
		r.logger.Info("Last migration rolled back successfully")
	}

	return nil
}

// Status reports the applied version against the embedded ones.
func (r *Runner) Status() (Status, error) {
	status := Status{Latest: r.embedded.MaxVersion()}

	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return status, nil
		}

		return status, fmt.Errorf("failed to get migration version: %w", err)
	}

	status.Current = int(version) //nolint:gosec // migration versions are three digits
	status.Dirty = dirty

	return status, nil
}

// Drop drops every object in the database.
func (r *Runner) Drop() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	return nil
}

// Close closes the migrate instance and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}
