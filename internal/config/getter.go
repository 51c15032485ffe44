// Package config reads ingestor settings from the process environment.
//
// Every getter falls back to the supplied default when the variable is unset
// or cannot be parsed, so a misconfigured value never prevents startup.
package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

var errUnrecognized = errors.New("unrecognized value")

// lookup parses the variable named key, returning defaultValue when it is
// unset, blank or rejected by parse.
func lookup[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	parsed, err := parse(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvStr returns the variable's value, or defaultValue if it is unset.
//
//	path := GetEnvStr("TOPOLOGY_PATH", "config/topology.yaml")
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt returns the variable as an int.
//
//	port := GetEnvInt("INGESTOR_SERVER_PORT", 8080)
func GetEnvInt(key string, defaultValue int) int {
	return lookup(key, defaultValue, strconv.Atoi)
}

// GetEnvInt64 returns the variable as an int64.
//
//	size := GetEnvInt64("INGESTOR_MAX_UPLOAD_SIZE", 32<<20)
func GetEnvInt64(key string, defaultValue int64) int64 {
	return lookup(key, defaultValue, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

// GetEnvBool returns the variable as a bool. "true", "1" and "yes" are true,
// "false", "0" and "no" are false, in any case.
//
//	enabled := GetEnvBool("AUDIT_DB_ENABLED", true)
func GetEnvBool(key string, defaultValue bool) bool {
	return lookup(key, defaultValue, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}

		return false, errUnrecognized
	})
}

// GetEnvDuration returns the variable in time.ParseDuration syntax ("5s", "2m30s").
//
//	timeout := GetEnvDuration("DATABASE_STATEMENT_TIMEOUT", 30*time.Second)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return lookup(key, defaultValue, time.ParseDuration)
}

// GetEnvLogLevel returns the variable as a slog level: debug, info,
// warn (or warning), error.
//
//	level := GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	return lookup(key, defaultValue, func(s string) (slog.Level, error) {
		switch strings.ToLower(s) {
		case "debug":
			return slog.LevelDebug, nil
		case "info":
			return slog.LevelInfo, nil
		case "warn", "warning":
			return slog.LevelWarn, nil
		case "error":
			return slog.LevelError, nil
		}

		return defaultValue, errUnrecognized
	})
}

// ParseCommaSeparatedList splits input on commas, trims each part and drops
// empty ones. It never returns nil.
func ParseCommaSeparatedList(input string) []string {
	result := []string{}

	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
