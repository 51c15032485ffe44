package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/s2report/ingestor/internal/config"
	"github.com/s2report/ingestor/internal/storage"
)

var (
	// ErrDatabaseURLRequired is returned when DATABASE_URL is unset.
	ErrDatabaseURLRequired = errors.New("DATABASE_URL cannot be empty")
	// ErrMigrationTableRequired is returned when MIGRATION_TABLE is blank.
	ErrMigrationTableRequired = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the table golang-migrate tracks versions in.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrDatabaseURLRequired
	}

	if strings.TrimSpace(c.MigrationTable) == "" {
		return ErrMigrationTableRequired
	}

	return nil
}

// String returns a representation safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		storage.NewConfig(c.DatabaseURL).MaskDatabaseURL(), c.MigrationTable)
}
