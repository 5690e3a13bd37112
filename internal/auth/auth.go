// Package auth provides JWT-based authentication for Kokoro.
//
// Uses Ed25519 (EdDSA) for JWT signing. Keys can be loaded from PEM files
// or auto-generated for development.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/model"
)

// Claims extends jwt.RegisteredClaims with Kokoro-specific fields.
// Subject carries the user's UUID.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// UserID parses the subject claim as a user UUID.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// tokenIssuer is both the iss and aud claim on every token we mint. Tokens
// issued by anything else, or for another audience, fail validation.
const tokenIssuer = "kokoro"

// JWTManager signs and verifies Ed25519 access tokens.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager loads the signing key pair from PEM files. With no paths
// configured it falls back to an ephemeral pair, which is fine for local
// development and useless in production: every restart invalidates all
// outstanding tokens.
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	priv, err := loadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := loadPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}

	// A pair assembled from two different environments signs tokens nothing
	// can verify. Catch that at startup rather than at the first signin.
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}

	return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	der, err := readPEMBlock(path)
	if err != nil {
		return nil, fmt.Errorf("auth: private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	return key, nil
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	der, err := readPEMBlock(path)
	if err != nil {
		return nil, fmt.Errorf("auth: public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return key, nil
}

func readPEMBlock(path string) ([]byte, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	return block.Bytes, nil
}

// IssueToken creates a signed access token for the given user.
func (m *JWTManager) IssueToken(user model.User) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	name := ""
	if user.Name != nil {
		name = *user.Name
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenIssuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Email: user.Email,
		Name:  name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken checks the signature, audience, issuer, and expiry of an
// access token and returns its claims. The key callback pins the signing
// method so a token with alg=none or a downgraded algorithm is rejected
// before any claim is trusted.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(tokenIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if claims.Issuer != tokenIssuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}

	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("auth: invalid subject (expected UUID): %w", err)
	}

	return claims, nil
}
