package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/storage"
)

const (
	testKey     = storage.KeyPrefix + "1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef" // pragma: allowlist secret
	inactiveKey = storage.KeyPrefix + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // pragma: allowlist secret
	expiredKey  = storage.KeyPrefix + "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" // pragma: allowlist secret
)

func testOperators() *MockOperatorStore {
	past := time.Now().Add(-time.Hour)

	return StaticOperators(map[string]*storage.Operator{
		testKey: {
			ID:          "finance-ops",
			Name:        "Finance Operations",
			Permissions: []string{storage.PermissionUploadsWrite},
			Active:      true,
		},
		inactiveKey: {ID: "retired", Active: false},
		expiredKey:  {ID: "temp", Active: true, ExpiresAt: &past},
	})
}

func TestExtractAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		headers map[string]string
		want    string
		found   bool
	}{
		{name: "x-api-key", headers: map[string]string{"X-Api-Key": "k1"}, want: "k1", found: true},
		{name: "bearer", headers: map[string]string{"Authorization": "Bearer k2"}, want: "k2", found: true},
		{
			name:    "x-api-key wins",
			headers: map[string]string{"X-Api-Key": "primary", "Authorization": "Bearer secondary"},
			want:    "primary",
			found:   true,
		},
		{name: "no headers", headers: nil},
		{name: "basic auth ignored", headers: map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}},
		{name: "lowercase bearer ignored", headers: map[string]string{"Authorization": "bearer k3"}},
		{name: "whitespace trimmed", headers: map[string]string{"X-Api-Key": "  k4  "}, want: "k4", found: true},
		{name: "only whitespace", headers: map[string]string{"X-Api-Key": "   "}},
		{name: "bearer without token", headers: map[string]string{"Authorization": "Bearer "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			got, found := extractAPIKey(req)

			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateAPIKey_HeaderInjection(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, key := range []string{"key\nX-Admin: true", "key\r\n", "\rkey"} {
		got, ok := validateAPIKey(key)

		assert.False(t, ok, "%q", key)
		assert.Empty(t, got)
	}
}

func TestAuthenticateRequest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := testOperators()

	tests := []struct {
		name    string
		key     string
		wantID  string
		wantErr error
	}{
		{name: "valid", key: testKey, wantID: "finance-ops"},
		{name: "malformed", key: "not-an-operator-key", wantErr: ErrInvalidAPIKey},
		{name: "unknown", key: storage.KeyPrefix + strings.Repeat("0", 64), wantErr: ErrInvalidAPIKey},
		{name: "inactive", key: inactiveKey, wantErr: ErrOperatorInactive},
		{name: "expired", key: expiredKey, wantErr: ErrAPIKeyExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := authenticateRequest(t.Context(), store, tt.key, time.Now())

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				var authErr *AuthError
				require.ErrorAs(t, err, &authErr)
				assert.Nil(t, op)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantID, op.ID)
		})
	}
}

func TestAuthenticateOperator(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.DiscardHandler)

	var (
		gotOperator OperatorContext
		gotActor    string
	)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOperator, _ = GetOperatorContext(r.Context())
		gotActor = audit.ActorFromContext(r.Context())

		w.WriteHeader(http.StatusNoContent)
	})

	handler := Apply(next, WithCorrelationID(), WithOperatorAuth(testOperators(), logger))

	RegisterPublicEndpoint("/ping-auth-test")

	tests := []struct {
		name       string
		path       string
		key        string
		wantStatus int
	}{
		{name: "authenticated", path: "/api/v1/uploads", key: testKey, wantStatus: http.StatusNoContent},
		{name: "missing key", path: "/api/v1/uploads", wantStatus: http.StatusUnauthorized},
		{name: "invalid key", path: "/api/v1/uploads", key: "s2r_ak_nope", wantStatus: http.StatusUnauthorized},
		{name: "inactive operator", path: "/api/v1/uploads", key: inactiveKey, wantStatus: http.StatusForbidden},
		{name: "expired key", path: "/api/v1/uploads", key: expiredKey, wantStatus: http.StatusUnauthorized},
		{name: "public endpoint", path: "/ping-auth-test", wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOperator, gotActor = OperatorContext{}, ""

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set(CorrelationIDHeader, "corr-1")

			if tt.key != "" {
				req.Header.Set("X-Api-Key", tt.key)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus >= http.StatusBadRequest {
				assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

				var problem map[string]any
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
				assert.Equal(t, "corr-1", problem["correlationId"])

				return
			}

			if tt.key != "" {
				assert.Equal(t, "finance-ops", gotOperator.OperatorID)
				assert.Equal(t, "finance-ops", gotActor)
			}
		})
	}
}

func TestRequirePermission(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.DiscardHandler)
	handler := RequirePermission(storage.PermissionAuditRead, logger,
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	serve := func(opCtx *OperatorContext) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil)
		if opCtx != nil {
			req = req.WithContext(SetOperatorContext(req.Context(), *opCtx))
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve(nil), "no operator means authentication is disabled")
	assert.Equal(t, http.StatusOK, serve(&OperatorContext{
		OperatorID:  "auditor",
		Permissions: []string{storage.PermissionAuditRead},
	}))
	assert.Equal(t, http.StatusForbidden, serve(&OperatorContext{
		OperatorID:  "finance-ops",
		Permissions: []string{storage.PermissionUploadsWrite},
	}))
}

func TestAuthError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	err := &AuthError{Type: ErrMissingAPIKey, Message: "Missing API key"}
	assert.Equal(t, "authentication failed: missing API key: Missing API key", err.Error())
	require.ErrorIs(t, err, ErrMissingAPIKey)

	assert.Equal(t, "authentication failed: invalid API key", (&AuthError{Type: ErrInvalidAPIKey}).Error())
}
