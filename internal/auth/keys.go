// Package auth implements bearer API-key authentication for the evaluator's
// HTTP surface, adapted from the teacher's internal/auth package.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyPrefix marks every key minted for this service, distinguishing it
	// at a glance from keys belonging to unrelated systems.
	KeyPrefix = "fme_"
	// KeyLength is the byte length of the random part of a generated key
	// (32 bytes = 256 bits of entropy).
	KeyLength = 32
	// BCryptCost is the cost factor for hashing stored keys.
	BCryptCost = 12
)

// GenerateAPIKey returns a new random API key with KeyPrefix.
func GenerateAPIKey() (string, error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	return KeyPrefix + encoded, nil
}

// HashAPIKey bcrypt-hashes key for storage.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), BCryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKey reports whether key matches the bcrypt hash.
func VerifyAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// VerifyAPIKeyConstantTime compares two plain-text strings in constant time,
// used for the static admin key read from config rather than the database.
func VerifyAPIKeyConstantTime(got, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// ExtractBearerToken strips a case-insensitive "Bearer " prefix from an
// Authorization header value.
func ExtractBearerToken(authHeader string) string {
	token := strings.TrimSpace(authHeader)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	return token
}
