package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintLength is the length of a hex-encoded fingerprint.
const FingerprintLength = sha256.Size * 2

// Fingerprint returns the lower-case hex SHA-256 of the raw upload bytes.
func Fingerprint(source []byte) string {
	sum := sha256.Sum256(source)

	return hex.EncodeToString(sum[:])
}
