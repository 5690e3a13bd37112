package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters. Sized so a signin check lands well under the
// request timeout while still being expensive to brute-force offline.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB, so 64 MB per hash
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPassword derives an Argon2id hash with a fresh random salt, returning
// the salt and hash base64-joined for storage on the user row.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	return encodeHash(salt, deriveKey(password, salt)), nil
}

// VerifyPassword reports whether password matches the stored encoded hash.
// The comparison is constant-time; an error means the stored value itself is
// malformed, not that the password was wrong.
func VerifyPassword(password, encoded string) (bool, error) {
	salt, expected, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	computed := deriveKey(password, salt)
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}

// DummyVerify burns one Argon2id derivation at the real cost parameters.
// Signin calls it when the email has no account, so the response takes as
// long as a wrong-password attempt and timing does not reveal which emails
// are registered.
func DummyVerify() {
	deriveKey("dummy", make([]byte, saltLen))
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func encodeHash(salt, hash []byte) string {
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash)
}

func decodeHash(encoded string) (salt, hash []byte, err error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	if salt, err = base64.StdEncoding.DecodeString(parts[0]); err != nil {
		return nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	if hash, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
		return nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	return salt, hash, nil
}
