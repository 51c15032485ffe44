package middleware

import (
	"log/slog"
	"net/http"

	"github.com/s2report/ingestor/internal/storage"
)

// Option is a function that applies middleware to a handler.
type Option func(http.Handler) http.Handler

// Apply applies middleware options to a base handler. The first option
// becomes the outermost middleware.
//
// Example:
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithOperatorAuth(operators, logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	    middleware.WithCORS(policy),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// WithCorrelationID returns an option that adds correlation ID middleware.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery returns an option that adds panic recovery middleware.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithOperatorAuth returns an option that adds operator authentication.
// A nil store disables authentication.
func WithOperatorAuth(store storage.OperatorStore, logger *slog.Logger) Option {
	if store == nil {
		return passthrough
	}

	return AuthenticateOperator(store, logger)
}

// WithRateLimit returns an option that adds rate limiting middleware.
// A nil limiter disables rate limiting.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return passthrough
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger returns an option that adds request logging middleware.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS returns an option that adds CORS middleware.
// A nil policy disables CORS headers.
func WithCORS(policy *CORSPolicy) Option {
	if policy == nil {
		return passthrough
	}

	return CORS(policy)
}
