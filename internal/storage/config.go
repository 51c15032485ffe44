package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/s2report/ingestor/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	// defaultStatementTimeout bounds every statement the stores execute.
	defaultStatementTimeout = 30 * time.Second
	// defaultConnectTimeout bounds the startup ping and every connection checkout.
	defaultConnectTimeout = 5 * time.Second
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrInvalidTimeout is returned when a configured timeout is not positive.
	ErrInvalidTimeout = errors.New("database timeouts must be greater than zero")
)

// Config describes the PostgreSQL pool shared by the provisioner, the
// transaction store and the audit log store.
//
// The URL is unexported so it can only reach logs through MaskDatabaseURL.
type Config struct {
	databaseURL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// StatementTimeout bounds each statement; an expired statement fails
	// the batch it belongs to.
	StatementTimeout time.Duration
	// ConnectTimeout bounds the startup ping, health checks and each
	// connection checkout.
	ConnectTimeout time.Duration
}

// LoadConfig reads the pool configuration from DATABASE_* variables.
//
// Environment variables:
//   - DATABASE_URL: PostgreSQL connection string (required)
//   - DATABASE_MAX_OPEN_CONNS, DATABASE_MAX_IDLE_CONNS: pool size (default: 25, 5)
//   - DATABASE_CONN_MAX_LIFETIME, DATABASE_CONN_MAX_IDLE_TIME: recycling (default: 30m, 10m)
//   - DATABASE_STATEMENT_TIMEOUT: per statement (default: 30s)
//   - DATABASE_CONNECT_TIMEOUT: startup ping (default: 5s)
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),

		StatementTimeout: config.GetEnvDuration("DATABASE_STATEMENT_TIMEOUT", defaultStatementTimeout),
		ConnectTimeout:   config.GetEnvDuration("DATABASE_CONNECT_TIMEOUT", defaultConnectTimeout),
	}
}

// Validate reports a missing URL or a non-positive timeout.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.StatementTimeout <= 0 || c.ConnectTimeout <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}

// NewConfig builds a Config for databaseURL with default pool settings.
// Tests and tools that do not read the environment use it.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:      databaseURL,
		MaxOpenConns:     defaultMaxOpenConns,
		MaxIdleConns:     defaultMaxIdleConns,
		ConnMaxLifetime:  defaultConnMaxLifetime,
		ConnMaxIdleTime:  defaultConnMaxIdleTime,
		StatementTimeout: defaultStatementTimeout,
		ConnectTimeout:   defaultConnectTimeout,
	}
}

// MaskDatabaseURL returns the database URL with its password replaced by
// "***". URLs without a password are returned unchanged.
func (c *Config) MaskDatabaseURL() string {
	scheme, rest, ok := strings.Cut(c.databaseURL, "://")
	if !ok {
		return c.databaseURL
	}

	// userinfo ends at the last @; the password itself may contain one.
	at := strings.LastIndex(rest, "@")
	if at == -1 {
		return c.databaseURL
	}

	username, password, ok := strings.Cut(rest[:at], ":")
	if !ok || password == "" {
		return c.databaseURL
	}

	return scheme + "://" + username + ":***" + rest[at:]
}
