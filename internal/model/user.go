package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a registered account. PasswordHash is the argon2id encoding and
// never leaves the server.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         *string   `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DisplayName resolves the name shown to the assistant: the stored name when
// present, else the email local-part.
func (u User) DisplayName() string {
	if u.Name != nil && strings.TrimSpace(*u.Name) != "" {
		return strings.TrimSpace(*u.Name)
	}
	if at := strings.IndexByte(u.Email, '@'); at > 0 {
		return u.Email[:at]
	}
	return u.Email
}

// RefreshToken is the stored half of a refresh credential. Only the SHA-256
// hash of the opaque token is persisted; presentation of the raw token is
// matched against the hash. Rotation revokes the old row and inserts a new
// one, so a replayed token is detectable.
type RefreshToken struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Valid reports whether the token is usable at the given instant.
func (t RefreshToken) Valid(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
