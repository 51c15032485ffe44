package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from panics, logs them with a
// stack trace and answers 500.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				if rec == http.ErrAbortHandler { //nolint:errorlint,err113 // sentinel compared by identity
					panic(rec)
				}

				logger.Error("HTTP request panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.Any("panic", rec),
					slog.String("stack_trace", string(debug.Stack())),
				)

				writeProblemOrText(w, r, logger, http.StatusInternalServerError, "Internal Server Error",
					"An unexpected error occurred while processing the request")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
