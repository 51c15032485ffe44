package storage

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per hash.
	bcryptCost  = 10
	bcryptLimit = 72
)

// HashAPIKey generates a bcrypt hash of an operator API key. The hash is what
// goes into the operators file; the key itself is shown once and never stored.
//
// Bcrypt has a 72-byte input limit, so longer keys are pre-hashed with SHA-256.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(apiKey), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash performs constant-time comparison of an API key against a
// bcrypt hash. It returns false for empty inputs and malformed hashes.
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(apiKey)) == nil
}

func bcryptInput(apiKey string) []byte {
	if len(apiKey) <= bcryptLimit {
		return []byte(apiKey)
	}

	sum := sha256.Sum256([]byte(apiKey))

	return sum[:]
}
