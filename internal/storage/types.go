package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// KeyPrefix starts every operator API key.
	KeyPrefix = "s2r_ak_"

	randomBytesSize = 32
	apiKeyLength    = len(KeyPrefix) + 2*randomBytesSize // prefix + 64 hex chars
	prefixLen       = len(KeyPrefix) + 4                 // show "s2r_ak_1234"
	suffixLen       = 4
)

// Operator permissions.
const (
	PermissionUploadsWrite = "uploads:write"
	PermissionUploadsRead  = "uploads:read"
	PermissionAuditRead    = "audit:read"
)

var (
	// ErrOperatorExists is returned when adding an operator whose ID is taken.
	ErrOperatorExists = errors.New("operator already exists")
	// ErrOperatorNotFound is returned when operating on an unknown operator.
	ErrOperatorNotFound = errors.New("operator not found")
	// ErrOperatorNil is returned when a nil operator is provided.
	ErrOperatorNil = errors.New("operator cannot be nil")
	// ErrOperatorIDEmpty is returned when an operator has no ID.
	ErrOperatorIDEmpty = errors.New("operator ID cannot be empty")
	// ErrKeyNil is returned when an empty API key is hashed.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrKeyHashEmpty is returned when an operator has no key hash.
	ErrKeyHashEmpty = errors.New("API key hash cannot be empty")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when API key doesn't match expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned when API key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid API key length")
)

// Operator is a person or system allowed to upload batches. The operator ID
// is the actor recorded in upload history and the audit trail.
//
// Only the bcrypt hash of the operator's API key is ever held.
type Operator struct {
	ID          string     `json:"id"                  yaml:"id"`
	Name        string     `json:"name"                yaml:"name"`
	KeyHash     string     `json:"-"                   yaml:"key_hash"`
	Permissions []string   `json:"permissions"         yaml:"permissions"`
	Active      bool       `json:"active"              yaml:"active"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty" yaml:"expires_at,omitempty"`
}

// HasPermission checks if the operator holds a specific permission.
func (o *Operator) HasPermission(permission string) bool {
	return slices.Contains(o.Permissions, permission)
}

// Expired reports whether the operator's key has expired at now.
func (o *Operator) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// MaskKey masks an API key for logging by showing only the prefix and suffix
// of well-formed keys. Anything else is masked completely.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	keyLen := len(key)

	if keyLen == apiKeyLength && strings.HasPrefix(key, KeyPrefix) {
		return key[:prefixLen] + strings.Repeat("*", keyLen-prefixLen-suffixLen) + key[keyLen-suffixLen:]
	}

	return strings.Repeat("*", keyLen)
}

// GenerateAPIKey creates a new random operator API key.
func GenerateAPIKey() (string, error) {
	randomBytes := make([]byte, randomBytesSize)

	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return KeyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAPIKey extracts the API key from a header value.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, KeyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}
