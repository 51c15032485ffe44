package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/s2report/ingestor/internal/storage"
)

// Authentication error types for granular error handling.
var (
	// ErrMissingAPIKey is returned when no API key is provided in headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey is returned for malformed or unknown keys.
	// The error is generic so callers cannot enumerate operators.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrAPIKeyExpired is returned when the operator's key has expired.
	ErrAPIKeyExpired = errors.New("API key expired")

	// ErrOperatorInactive is returned when the operator has been deactivated.
	ErrOperatorInactive = errors.New("operator inactive")

	// ErrPermissionDenied is returned when the operator lacks a permission.
	ErrPermissionDenied = errors.New("permission denied")
)

// AuthError represents an authentication error with a specific type.
type AuthError struct {
	Type    error
	Message string
}

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type.
func (e *AuthError) Unwrap() error {
	return e.Type
}

var publicEndpoints = struct { //nolint: gochecknoglobals
	sync.RWMutex
	paths map[string]bool
}{paths: make(map[string]bool)}

// RegisterPublicEndpoint registers a path that bypasses authentication.
// Only health probes belong here.
func RegisterPublicEndpoint(path string) {
	publicEndpoints.Lock()
	defer publicEndpoints.Unlock()

	publicEndpoints.paths[path] = true
}

// IsPublicEndpoint reports whether path bypasses authentication.
func IsPublicEndpoint(path string) bool {
	publicEndpoints.RLock()
	defer publicEndpoints.RUnlock()

	return publicEndpoints.paths[path]
}

// extractAPIKey extracts the API key from request headers.
// X-Api-Key takes precedence over Authorization: Bearer.
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return validateAPIKey(apiKey)
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return validateAPIKey(token)
	}

	return "", false
}

// validateAPIKey trims a header value and rejects empty values or values
// carrying line breaks.
func validateAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	return key, true
}

// Keeps rejected lookups about as slow as real ones.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// authenticateRequest resolves an API key to an operator.
//
// Malformed and unknown keys both yield ErrInvalidAPIKey. Inactive and expired
// operators get specific errors since the caller already proved key possession.
func authenticateRequest(
	ctx context.Context,
	store storage.OperatorStore,
	apiKey string,
	now time.Time,
) (*storage.Operator, error) {
	parsedKey, err := storage.ParseAPIKey(apiKey)
	if err != nil {
		performDummyBcryptComparison()

		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"}
	}

	operator, found := store.FindByKey(ctx, parsedKey)
	if !found {
		return nil, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"}
	}

	if !operator.Active {
		return nil, &AuthError{Type: ErrOperatorInactive, Message: "Operator is inactive"}
	}

	if operator.Expired(now) {
		return nil, &AuthError{Type: ErrAPIKeyExpired, Message: "API key has expired"}
	}

	return operator, nil
}

// AuthenticateOperator returns a middleware that resolves the request's API
// key to an operator and stores it in the request context. Public endpoints
// pass through untouched.
func AuthenticateOperator(store storage.OperatorStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingAPIKey, Message: "Missing API key"})

				return
			}

			operator, err := authenticateRequest(r.Context(), store, apiKey, authStart)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			ctx := SetOperatorContext(r.Context(), OperatorContext{
				OperatorID:  operator.ID,
				Name:        operator.Name,
				Permissions: operator.Permissions,
				AuthTime:    time.Now(),
			})

			logger.Debug("Operator authenticated",
				slog.String("operator_id", operator.ID),
				slog.String("key", storage.MaskKey(apiKey)),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission wraps a handler so only operators holding permission
// reach it. Requests without an operator pass through, which is the case
// when authentication is disabled.
func RequirePermission(permission string, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opCtx, ok := GetOperatorContext(r.Context())
		if ok && !opCtx.HasPermission(permission) {
			writeAuthError(w, r, logger, &AuthError{
				Type:    ErrPermissionDenied,
				Message: "operator " + opCtx.OperatorID + " lacks " + permission,
			})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeAuthError maps an authentication failure to 401 or 403 and writes it.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := http.StatusUnauthorized
	title := "Unauthorized"

	if errors.Is(err, ErrOperatorInactive) || errors.Is(err, ErrPermissionDenied) {
		status = http.StatusForbidden
		title = "Forbidden"
	}

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", GetCorrelationID(r.Context())),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	writeProblemOrText(w, r, logger, status, title, err.Error())
}
