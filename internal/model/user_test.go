package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kokoro/internal/model"
)

func TestUserDisplayName(t *testing.T) {
	name := "Yuki Tanaka"
	padded := "  Yuki Tanaka  "
	blank := "   "

	tests := []struct {
		name string
		user model.User
		want string
	}{
		{"stored name", model.User{Name: &name, Email: "yuki@example.com"}, "Yuki Tanaka"},
		{"stored name trimmed", model.User{Name: &padded, Email: "yuki@example.com"}, "Yuki Tanaka"},
		{"blank name falls back", model.User{Name: &blank, Email: "yuki@example.com"}, "yuki"},
		{"nil name uses local part", model.User{Email: "yuki@example.com"}, "yuki"},
		{"no at sign", model.User{Email: "not-an-email"}, "not-an-email"},
		{"leading at sign", model.User{Email: "@example.com"}, "@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.user.DisplayName())
		})
	}
}

func TestRefreshTokenValid(t *testing.T) {
	now := time.Now()
	revoked := now.Add(-time.Hour)

	tests := []struct {
		name  string
		token model.RefreshToken
		want  bool
	}{
		{"live token", model.RefreshToken{ExpiresAt: now.Add(time.Hour)}, true},
		{"expired", model.RefreshToken{ExpiresAt: now.Add(-time.Minute)}, false},
		{"revoked", model.RefreshToken{ExpiresAt: now.Add(time.Hour), RevokedAt: &revoked}, false},
		{"expires exactly now", model.RefreshToken{ExpiresAt: now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.Valid(now))
		})
	}
}
