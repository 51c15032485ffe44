// Package api provides the HTTP API server for the ingestor service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/s2report/ingestor/internal/api/middleware"
	"github.com/s2report/ingestor/internal/config"
)

const (
	defaultPort          int    = 8080
	maxPort              int    = 65535
	defaultHost          string = "0.0.0.0"
	defaultCORSMaxAge    int    = 86400
	defaultTimeout              = 30 * time.Second
	defaultWriteTimeout         = 5 * time.Minute
	defaultLogLevel             = slog.LevelInfo
	defaultMaxUploadSize int64  = 50 << 20 // 50 MB
	multipartMemory      int64  = 8 << 20
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxUploadSize indicates the upload size limit is zero or negative.
	ErrInvalidMaxUploadSize = errors.New("max upload size must be positive")
)

// ServerConfig holds HTTP server configuration.
// Pure configuration only - no runtime dependencies.
type ServerConfig struct {
	Port               int
	Host               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
	MaxUploadSize      int64
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
}

// LoadServerConfig loads server configuration from environment variables with sensible defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("INGESTOR_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("INGESTOR_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("INGESTOR_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("INGESTOR_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
		ShutdownTimeout: config.GetEnvDuration("INGESTOR_SERVER_SHUTDOWN_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("LOG_LEVEL", defaultLogLevel),
		MaxUploadSize:   config.GetEnvInt64("INGESTOR_MAX_UPLOAD_SIZE", defaultMaxUploadSize),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("INGESTOR_CORS_ALLOWED_ORIGINS", "*"),
		),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("INGESTOR_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr(
				"INGESTOR_CORS_ALLOWED_HEADERS",
				"Content-Type,Authorization,X-Correlation-ID,X-API-Key",
			),
		),
		CORSMaxAge: config.GetEnvInt("INGESTOR_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CORSPolicy builds the middleware CORS policy from the configured lists.
func (c *ServerConfig) CORSPolicy() *middleware.CORSPolicy {
	if len(c.CORSAllowedOrigins) == 0 {
		return nil
	}

	return middleware.NewCORSPolicy(c.CORSAllowedOrigins, c.CORSAllowedMethods, c.CORSAllowedHeaders, c.CORSMaxAge)
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxUploadSize, c.MaxUploadSize)
	}

	return nil
}
