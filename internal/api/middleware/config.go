package middleware

import (
	"time"

	"github.com/s2report/ingestor/internal/config"
)

// Config holds rate limiter configuration.
//
// Limits are requests per second for three tiers: every request, each
// authenticated operator, and unauthenticated requests. A zero burst is
// computed as 2 × rate.
type Config struct {
	GlobalRPS   int
	OperatorRPS int
	UnAuthRPS   int

	GlobalBurst   int
	OperatorBurst int
	UnAuthBurst   int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxOperators    int
}

// LoadConfig loads rate limiter config from environment variables.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS:   config.GetEnvInt("INGESTOR_GLOBAL_RPS", defaultGlobalRPS),
		OperatorRPS: config.GetEnvInt("INGESTOR_OPERATOR_RPS", defaultOperatorRPS),
		UnAuthRPS:   config.GetEnvInt("INGESTOR_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst:   config.GetEnvInt("INGESTOR_GLOBAL_BURST", 0),
		OperatorBurst: config.GetEnvInt("INGESTOR_OPERATOR_BURST", 0),
		UnAuthBurst:   config.GetEnvInt("INGESTOR_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration("INGESTOR_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("INGESTOR_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxOperators:    config.GetEnvInt("INGESTOR_RATE_LIMIT_MAX_OPERATORS", defaultMaxOperators),
	}
}
