package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// CorrelationIDHeader carries the request correlation ID in both directions.
	CorrelationIDHeader = "X-Correlation-ID"

	correlationIDSize       = 8
	maxInboundCorrelationID = 64
)

type correlationIDKey struct{}

// CorrelationID creates a middleware that adds a correlation ID to each
// request. A well-formed inbound X-Correlation-ID is reused; anything else is
// replaced by a fresh ID.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(CorrelationIDHeader)
			if !validCorrelationID(correlationID) {
				correlationID = generateCorrelationID()
			}

			w.Header().Set(CorrelationIDHeader, correlationID)

			ctx := WithCorrelationIDValue(r.Context(), correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithCorrelationIDValue returns ctx carrying correlationID.
func WithCorrelationIDValue(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// GetCorrelationID extracts the correlation ID from the request context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

// validCorrelationID accepts short IDs made of letters, digits, '-' and '_'
// so client-supplied values cannot inject into logs.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxInboundCorrelationID {
		return false
	}

	return strings.IndexFunc(id, func(r rune) bool {
		return !(r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	}) < 0
}

// generateCorrelationID returns 16 hex characters from crypto/rand, or a UUID
// if the random source fails.
func generateCorrelationID() string {
	b := make([]byte, correlationIDSize)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}

	return hex.EncodeToString(b)
}
