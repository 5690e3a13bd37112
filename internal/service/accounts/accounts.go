// Package accounts implements user registration, credential verification,
// and refresh-token rotation.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/auth"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// Sentinel errors returned by validation and credential checks.
var (
	ErrInvalidEmail       = errors.New("invalid email format")
	ErrWeakPassword       = errors.New("password must be at least 12 characters with uppercase, lowercase, and digit")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidRefresh     = errors.New("invalid or expired refresh token")
)

// Service handles signup, signin, token refresh, and signout.
type Service struct {
	db         *storage.DB
	jwt        *auth.JWTManager
	refreshTTL time.Duration
	logger     *slog.Logger
}

// New creates an accounts service.
func New(db *storage.DB, jwtManager *auth.JWTManager, refreshTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		db:         db,
		jwt:        jwtManager,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

// SignupInput is the validated input for a signup request.
type SignupInput struct {
	Email    string
	Password string
	Name     *string
}

// Signup validates the input, hashes the password, and creates the user.
// A duplicate email surfaces as storage.ErrEmailTaken.
func (s *Service) Signup(ctx context.Context, input SignupInput) (model.User, error) {
	email := normalizeEmail(input.Email)
	if err := validateEmail(email); err != nil {
		return model.User{}, err
	}
	if err := validatePassword(input.Password); err != nil {
		return model.User{}, err
	}

	var name *string
	if input.Name != nil {
		if n := strings.TrimSpace(*input.Name); n != "" {
			name = &n
		}
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return model.User{}, fmt.Errorf("accounts: hash password: %w", err)
	}

	user, err := s.db.CreateUser(ctx, email, name, hash)
	if err != nil {
		if errors.Is(err, storage.ErrEmailTaken) {
			return model.User{}, err
		}
		return model.User{}, fmt.Errorf("accounts: create user: %w", err)
	}

	s.logger.Info("accounts: user signed up", "user_id", user.ID)
	return user, nil
}

// TokenPair is the credential set issued on signin and refresh. The raw
// refresh token appears here exactly once; only its hash is stored.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	User             model.User
}

// Signin verifies credentials and issues a fresh token pair. Unknown emails
// burn a dummy hash so response timing does not reveal which emails exist.
func (s *Service) Signin(ctx context.Context, email, password string) (TokenPair, error) {
	user, err := s.db.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			auth.DummyVerify()
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, fmt.Errorf("accounts: look up user: %w", err)
	}

	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return TokenPair{}, fmt.Errorf("accounts: verify password: %w", err)
	}
	if !ok {
		return TokenPair{}, ErrInvalidCredentials
	}

	return s.issuePair(ctx, user)
}

// Refresh rotates a refresh token: the presented row is revoked and a new
// pair is issued. Presenting an already-revoked token revokes every live
// token for that user, since replay of a rotated token indicates theft.
func (s *Service) Refresh(ctx context.Context, rawToken string) (TokenPair, error) {
	if !auth.ValidRefreshTokenFormat(rawToken) {
		return TokenPair{}, ErrInvalidRefresh
	}

	rt, err := s.db.GetRefreshTokenByHash(ctx, auth.HashRefreshToken(rawToken))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TokenPair{}, ErrInvalidRefresh
		}
		return TokenPair{}, fmt.Errorf("accounts: look up refresh token: %w", err)
	}

	now := time.Now().UTC()
	if !rt.Valid(now) {
		if rt.RevokedAt != nil {
			revoked, revErr := s.db.RevokeUserRefreshTokens(ctx, rt.UserID)
			if revErr != nil {
				s.logger.Error("accounts: revoke tokens after reuse failed", "user_id", rt.UserID, "error", revErr)
			} else {
				s.logger.Warn("accounts: revoked token reused, revoking all sessions",
					"user_id", rt.UserID,
					"revoked", revoked,
				)
			}
		}
		return TokenPair{}, ErrInvalidRefresh
	}

	user, err := s.db.GetUser(ctx, rt.UserID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("accounts: load user for refresh: %w", err)
	}

	if err := s.db.RevokeRefreshToken(ctx, rt.ID); err != nil {
		return TokenPair{}, fmt.Errorf("accounts: rotate refresh token: %w", err)
	}

	return s.issuePair(ctx, user)
}

// Signout revokes the presented refresh token. Unknown or malformed tokens
// are treated as success so signout never fails for an already-cleared client.
func (s *Service) Signout(ctx context.Context, rawToken string) error {
	if !auth.ValidRefreshTokenFormat(rawToken) {
		return nil
	}
	rt, err := s.db.GetRefreshTokenByHash(ctx, auth.HashRefreshToken(rawToken))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("accounts: look up refresh token: %w", err)
	}
	if err := s.db.RevokeRefreshToken(ctx, rt.ID); err != nil {
		return fmt.Errorf("accounts: revoke refresh token: %w", err)
	}
	return nil
}

// Me returns the profile for an authenticated user id.
func (s *Service) Me(ctx context.Context, userID uuid.UUID) (model.User, error) {
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.User{}, err
		}
		return model.User{}, fmt.Errorf("accounts: load user: %w", err)
	}
	return user, nil
}

func (s *Service) issuePair(ctx context.Context, user model.User) (TokenPair, error) {
	access, accessExp, err := s.jwt.IssueToken(user)
	if err != nil {
		return TokenPair{}, fmt.Errorf("accounts: issue access token: %w", err)
	}

	raw, err := auth.GenerateRefreshToken()
	if err != nil {
		return TokenPair{}, fmt.Errorf("accounts: %w", err)
	}

	refreshExp := time.Now().UTC().Add(s.refreshTTL)
	if _, err := s.db.CreateRefreshToken(ctx, user.ID, auth.HashRefreshToken(raw), refreshExp); err != nil {
		return TokenPair{}, fmt.Errorf("accounts: store refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     raw,
		RefreshExpiresAt: refreshExp,
		User:             user,
	}, nil
}

// --- Validation helpers ---

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 12 {
		return ErrWeakPassword
	}
	var hasUpper, hasLower, hasDigit bool
	for _, c := range password {
		switch {
		case unicode.IsUpper(c):
			hasUpper = true
		case unicode.IsLower(c):
			hasLower = true
		case unicode.IsDigit(c):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return ErrWeakPassword
	}
	return nil
}
