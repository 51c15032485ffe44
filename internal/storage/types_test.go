package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperatorPermissions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	op := &Operator{ID: "finance-ops", Permissions: []string{PermissionUploadsWrite, PermissionUploadsRead}}

	assert.True(t, op.HasPermission(PermissionUploadsWrite))
	assert.True(t, op.HasPermission(PermissionUploadsRead))
	assert.False(t, op.HasPermission(PermissionAuditRead))
	assert.False(t, (&Operator{}).HasPermission(PermissionUploadsRead))
}

func TestOperatorExpired(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, (&Operator{}).Expired(now))
	assert.True(t, (&Operator{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&Operator{ExpiresAt: &future}).Expired(now))
}

func TestMaskKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		key  string
		want string
	}{
		{
			name: "operator key",
			key:  testAPIKey,
			want: "s2r_ak_0011" + strings.Repeat("*", apiKeyLength-prefixLen-suffixLen) + "eeff",
		},
		{name: "right length wrong prefix", key: strings.Repeat("x", apiKeyLength), want: strings.Repeat("*", apiKeyLength)},
		{name: "short key", key: "short", want: "*****"},
		{name: "empty", key: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskKey(tt.key))
		})
	}
}

func TestGenerateAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	first, err := GenerateAPIKey()
	require.NoError(t, err)

	second, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.Len(t, first, apiKeyLength)
	assert.True(t, strings.HasPrefix(first, KeyPrefix))
	assert.NotEqual(t, first, second)

	parsed, err := ParseAPIKey(first)
	require.NoError(t, err)
	assert.Equal(t, first, parsed)
}

func TestParseAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "plain key", input: testAPIKey, want: testAPIKey},
		{name: "bearer prefix", input: "Bearer " + testAPIKey, want: testAPIKey},
		{name: "empty", input: "", wantErr: ErrKeyStringEmpty},
		{name: "foreign prefix", input: "sk_live_" + strings.Repeat("a", 64), wantErr: ErrInvalidKeyFormat},
		{name: "truncated", input: testAPIKey[:40], wantErr: ErrInvalidKeyLength},
		{name: "too long", input: testAPIKey + "00", wantErr: ErrInvalidKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAPIKey(tt.input)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
