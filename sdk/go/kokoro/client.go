package kokoro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kokoro server (e.g. "http://localhost:8080").
	BaseURL string

	// Email identifies the account to sign in as.
	Email string

	// Password is the account password used to obtain tokens.
	Password string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kokoro voice support API.
// All methods are safe for concurrent use.
//
// The client signs in lazily on the first authenticated call and keeps
// the token pair fresh across calls, so a single Client can live for the
// whole process.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, Email, or Password is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kokoro: BaseURL is required")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("kokoro: Email is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("kokoro: Password is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.Email, cfg.Password, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// Signup registers a new account. It does not sign the client in; the
// Client's configured credentials are used on the first authenticated call.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	var resp SignupResult
	if err := c.postNoAuth(ctx, "/auth/signup", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me returns the authenticated account's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var resp User
	if err := c.get(ctx, "/auth/me", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Signout revokes the refresh token held by the client and drops the
// cached token pair. The next authenticated call signs in from scratch.
func (c *Client) Signout(ctx context.Context) error {
	body := refreshRequest{RefreshToken: c.tokenMgr.currentRefreshToken()}
	if err := c.post(ctx, "/auth/signout", body, nil); err != nil {
		return err
	}
	c.tokenMgr.invalidate()
	return nil
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// CreateSession provisions a voice room and returns the join credentials.
// Nil opts are fine; set an IdempotencyKey to make retries safe.
func (c *Client) CreateSession(ctx context.Context, opts *SessionMutationOptions) (*CreateSessionResult, error) {
	var resp CreateSessionResult
	if err := c.postWithKey(ctx, "/api/create-session", idempotencyKey(opts), struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResumeSession provisions a fresh room that carries the named session's
// summary as prior context, so the assistant can pick up where the last
// conversation ended.
func (c *Client) ResumeSession(ctx context.Context, sessionID uuid.UUID, opts *SessionMutationOptions) (*CreateSessionResult, error) {
	body := map[string]any{"session_id": sessionID}
	var resp CreateSessionResult
	if err := c.postWithKey(ctx, "/api/resume-session", idempotencyKey(opts), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteSession permanently removes a session and its analysis.
func (c *Client) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	body := map[string]any{"session_id": sessionID}
	return c.doDelete(ctx, "/api/delete-session", body, nil)
}

func idempotencyKey(opts *SessionMutationOptions) string {
	if opts == nil {
		return ""
	}
	return opts.IdempotencyKey
}

// ---------------------------------------------------------------------------
// Session history and analytics
// ---------------------------------------------------------------------------

// UserSessions returns one page of the caller's session history grouped
// by month, newest first. Nil opts use the server defaults.
func (c *Client) UserSessions(ctx context.Context, opts *SessionListOptions) (*SessionsPage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Page > 0 {
			params.Set("page", strconv.Itoa(opts.Page))
		}
		if opts.PageSize > 0 {
			params.Set("page_size", strconv.Itoa(opts.PageSize))
		}
	}

	path := "/api/user-sessions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp SessionsPage
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSession retrieves a single session with its analysis fields.
func (c *Client) GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	var resp Session
	if err := c.get(ctx, "/api/sessions/"+sessionID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RelatedSessions returns up to limit sessions semantically closest to
// the given one, ranked by summary embedding distance. A limit of 0 or
// less uses the server default of 5.
func (c *Client) RelatedSessions(ctx context.Context, sessionID uuid.UUID, limit int) ([]RelatedSession, error) {
	path := "/api/sessions/" + sessionID.String() + "/related"
	if limit > 0 {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(limit))
		path += "?" + params.Encode()
	}

	var resp []RelatedSession
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Progress returns aggregate insights across the caller's sessions:
// totals, mood averages and trend, and the most frequent topics and
// emotions.
func (c *Client) Progress(ctx context.Context) (*ProgressInsights, error) {
	var resp ProgressInsights
	if err := c.get(ctx, "/api/analytics/progress", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// System
// ---------------------------------------------------------------------------

// Health checks server health without authentication.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.postWithKey(ctx, path, "", body, dest)
}

// postWithKey is post with an optional Idempotency-Key header on the
// request, used by the session mutation endpoints.
func (c *Client) postWithKey(ctx context.Context, path, key string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kokoro: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kokoro: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kokoro: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kokoro: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kokoro: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) postNoAuth(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kokoro: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kokoro: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kokoro: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kokoro: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kokoro: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kokoro: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kokoro: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content, nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kokoro: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
