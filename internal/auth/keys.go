// Package auth compares bearer tokens.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// TokenMatches reports whether presented equals expected. Both are hashed first so
// the comparison time does not depend on the token length.
func TokenMatches(presented, expected string) bool {
	if strings.TrimSpace(expected) == "" {
		return false
	}
	a, b := HashKey(presented), HashKey(expected)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
