// Package hash derives cache and dedup keys from raw submission input.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize trims surrounding whitespace and case-folds the input so that
// trivially different submissions of the same content collapse to one key.
func Normalize(input string) string {
	return strings.ToLower(strings.TrimSpace(input))
}

// Key returns the hex SHA-256 digest of the normalized input.
func Key(input string) string {
	sum := sha256.Sum256([]byte(Normalize(input)))
	return hex.EncodeToString(sum[:])
}
