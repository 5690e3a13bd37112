package kokoro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// tokenManager handles access token acquisition and renewal.
// It is safe for concurrent use.
//
// Renewal prefers the refresh grant so the password round-trip happens
// once per process; if the server rejects the refresh token (rotation
// replay, revocation, expiry) the manager falls back to a fresh signin.
type tokenManager struct {
	baseURL  string
	email    string
	password string
	client   *http.Client
	margin   time.Duration

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

func newTokenManager(baseURL, email, password string, client *http.Client) *tokenManager {
	return &tokenManager{
		baseURL:  baseURL,
		email:    email,
		password: password,
		client:   client,
		margin:   30 * time.Second,
	}
}

func (tm *tokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.accessToken != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.accessToken, nil
	}

	if tm.refreshToken != "" {
		if err := tm.grant(ctx, "/auth/refresh", refreshRequest{RefreshToken: tm.refreshToken}); err == nil {
			return tm.accessToken, nil
		}
		// The refresh token is no longer good; start over with credentials.
		tm.refreshToken = ""
	}

	if err := tm.grant(ctx, "/auth/signin", signinRequest{Email: tm.email, Password: tm.password}); err != nil {
		return "", err
	}
	return tm.accessToken, nil
}

// currentRefreshToken returns the refresh token held by the manager, if any.
func (tm *tokenManager) currentRefreshToken() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.refreshToken
}

// invalidate drops both tokens so the next call signs in from scratch.
func (tm *tokenManager) invalidate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.accessToken = ""
	tm.refreshToken = ""
	tm.expiresAt = time.Time{}
}

type signinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type authGrantEnvelope struct {
	Data AuthTokens `json:"data"`
}

// grant posts credentials to an auth endpoint and stores the returned
// token pair. Callers must hold tm.mu.
func (tm *tokenManager) grant(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("kokoro: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("kokoro: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("kokoro: auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kokoro: auth failed with status %d", resp.StatusCode)
	}

	var envelope authGrantEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("kokoro: decode auth response: %w", err)
	}

	tm.accessToken = envelope.Data.AccessToken
	tm.refreshToken = envelope.Data.RefreshToken
	tm.expiresAt = envelope.Data.ExpiresAt
	return nil
}
