package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// refreshSecretLen is the number of random bytes in a refresh token (64 hex chars).
	refreshSecretLen = 32
	// refreshFormatPrefix is the static prefix for all Kokoro refresh tokens.
	refreshFormatPrefix = "kr_"
)

// GenerateRefreshToken produces a new raw refresh token in the format
// kr_<64-char-secret>. Only the SHA-256 hash of the raw token is stored;
// the raw value is shown to the client exactly once.
func GenerateRefreshToken() (string, error) {
	secret := make([]byte, refreshSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("auth: generate refresh token: %w", err)
	}
	return refreshFormatPrefix + hex.EncodeToString(secret), nil
}

// HashRefreshToken returns the hex SHA-256 digest used to store and look up
// refresh tokens. Unlike passwords, refresh tokens are high-entropy random
// values, so a plain hash suffices.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ValidRefreshTokenFormat reports whether a raw token has the expected shape.
// Used to reject garbage before hitting the database.
func ValidRefreshTokenFormat(raw string) bool {
	if !strings.HasPrefix(raw, refreshFormatPrefix) {
		return false
	}
	secret := raw[len(refreshFormatPrefix):]
	if len(secret) != refreshSecretLen*2 {
		return false
	}
	_, err := hex.DecodeString(secret)
	return err == nil
}
