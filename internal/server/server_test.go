package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/api"
	"github.com/ashita-ai/kokoro/internal/auth"
	"github.com/ashita-ai/kokoro/internal/livekit"
	"github.com/ashita-ai/kokoro/internal/mcp"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/ratelimit"
	"github.com/ashita-ai/kokoro/internal/server"
	"github.com/ashita-ai/kokoro/internal/service/accounts"
	"github.com/ashita-ai/kokoro/internal/service/analyzer"
	"github.com/ashita-ai/kokoro/internal/service/embedding"
	"github.com/ashita-ai/kokoro/internal/service/sessions"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/testutil"
)

const (
	testWebhookSecret = "whsec_test_0123456789abcdef"
	testEmbeddingDims = 768
)

var (
	testSrv *httptest.Server
	testDB  *storage.DB

	// Kept so TestRateLimitHeaders can assemble a second server with the
	// limiter enabled. The main test server runs without one: every request
	// in this package shares the container's source IP, so the per-IP auth
	// bucket would trip across unrelated tests.
	testDeps struct {
		jwtMgr   *auth.JWTManager
		accounts *accounts.Service
		sessions *sessions.Service
	}
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: create DB: %v\n", err)
		return 1
	}

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server test: create JWT manager: %v\n", err)
		return 1
	}

	accountsSvc := accounts.New(testDB, jwtMgr, 30*24*time.Hour, logger)
	sessionsSvc := sessions.New(testDB, livekit.NewNoopRooms(), analyzer.NoopAnalyzer{}, sessions.Config{
		RoomAPIKey:       "lk_test_key",
		RoomAPISecret:    "lk_test_secret_0123456789abcdef00",
		RoomTokenTTL:     time.Hour,
		AgentName:        "kokoro-agent",
		RoomEmptyTimeout: 300,
		SweepStaleAfter:  2 * time.Hour,
	}, logger)
	mcpSrv := mcp.New(testDB, sessionsSvc, embedding.NewNoopProvider(testEmbeddingDims), logger, "test")

	broker := server.NewBroker(testDB, logger)
	go broker.Start(ctx)

	testDeps.jwtMgr = jwtMgr
	testDeps.accounts = accountsSvc
	testDeps.sessions = sessionsSvc

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		JWTMgr:              jwtMgr,
		Accounts:            accountsSvc,
		Sessions:            sessionsSvc,
		Logger:              logger,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
		WebhookSecret:       testWebhookSecret,
		OpenAPISpec:         api.OpenAPISpec,
	})

	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	cancel()
	testDB.Close(context.Background())
	return code
}

func uniqueEmail(prefix string) string {
	return fmt.Sprintf("%s-%s@example.com", prefix, uuid.NewString()[:8])
}

func signup(t *testing.T, email, password string) uuid.UUID {
	t.Helper()
	body, _ := json.Marshal(model.SignupRequest{Email: email, Password: password})
	resp, err := http.Post(testSrv.URL+"/auth/signup", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result model.SignupResponse
	decodeData(t, resp, &result)
	require.NotEqual(t, uuid.Nil, result.UserID)
	return result.UserID
}

func signin(t *testing.T, email, password string) model.AuthTokens {
	t.Helper()
	body, _ := json.Marshal(model.SigninRequest{Email: email, Password: password})
	resp, err := http.Post(testSrv.URL+"/auth/signin", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tokens model.AuthTokens
	decodeData(t, resp, &tokens)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	return tokens
}

// newUser registers and signs in a fresh account so tests stay isolated.
func newUser(t *testing.T, prefix string) (model.AuthTokens, uuid.UUID) {
	t.Helper()
	email := uniqueEmail(prefix)
	userID := signup(t, email, "S3cure-passw0rd!")
	tokens := signin(t, email, "S3cure-passw0rd!")
	return tokens, userID
}

func authedRequest(method, url, token string, body any) (*http.Response, error) {
	return authedRequestHeaders(method, url, token, body, nil)
}

func authedRequestHeaders(method, url, token string, body any, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return http.DefaultClient.Do(req)
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", data)
	require.NoError(t, json.Unmarshal(envelope.Data, out), "body: %s", data)
}

func errorDetail(t *testing.T, resp *http.Response) (code, message string) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", data)
	return envelope.Error.Code, envelope.Error.Message
}

func createSession(t *testing.T, token string) model.CreateSessionResponse {
	t.Helper()
	resp, err := authedRequest("POST", testSrv.URL+"/api/create-session", token, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created model.CreateSessionResponse
	decodeData(t, resp, &created)
	require.NotEqual(t, uuid.Nil, created.SessionID)
	return created
}

func postSignedWebhook(t *testing.T, hook model.TranscriptWebhook) *http.Response {
	t.Helper()
	body, _ := json.Marshal(hook)
	req, err := http.NewRequest("POST", testSrv.URL+"/webhooks/session-transcript", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.WebhookSignatureHeader, auth.SignWebhook(testWebhookSecret, body))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func unitVec(axis int) pgvector.Vector {
	v := make([]float32, testEmbeddingDims)
	v[axis] = 1
	return pgvector.NewVector(v)
}

// seedCompleted writes a completed session directly through storage, since
// the public API only finalizes sessions via the transcript webhook and the
// noop analyzer marks those as errored.
func seedCompleted(t *testing.T, userID uuid.UUID, title string, topics []string, mood float64, emb *pgvector.Vector) model.Session {
	t.Helper()
	ctx := context.Background()

	s, err := testDB.CreateSession(ctx, userID, model.DeriveRoomName(userID, time.Now()))
	require.NoError(t, err)

	analysis := model.SessionAnalysis{
		Title:            title,
		Summary:          "Talked through " + title + " in depth.",
		KeyTopics:        topics,
		PrimaryEmotions:  []string{"calm", "hopeful"},
		MoodScore:        mood,
		EngagementScore:  7.0,
		StressIndicators: []string{},
		WordCount:        380,
		Status:           model.SessionStatusCompleted,
	}
	_, err = testDB.FinalizeSession(ctx, s.ID, analysis, 600, time.Now())
	require.NoError(t, err)

	if emb != nil {
		require.NoError(t, testDB.UpdateSessionEmbedding(ctx, s.ID, *emb))
	}

	seeded, err := testDB.GetSessionForUser(ctx, userID, s.ID)
	require.NoError(t, err)
	return seeded
}

func newMCPClient(t *testing.T, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	return c
}

func initMCP(t *testing.T, c *mcpclient.Client) {
	t.Helper()
	_, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var health model.HealthResponse
	decodeData(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, "test", health.Version)
}

func TestOpenAPISpec(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "openapi: 3.1.0")
	assert.Contains(t, string(body), "/webhooks/session-transcript")
}

func TestSignupSigninFlow(t *testing.T) {
	email := uniqueEmail("mika")
	userID := signup(t, email, "S3cure-passw0rd!")

	// Duplicate registration.
	body, _ := json.Marshal(model.SignupRequest{Email: email, Password: "S3cure-passw0rd!"})
	resp, err := http.Post(testSrv.URL+"/auth/signup", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	code, message := errorDetail(t, resp)
	assert.Equal(t, model.ErrCodeConflict, code)
	assert.Equal(t, "email already registered", message)

	tokens := signin(t, email, "S3cure-passw0rd!")
	assert.Equal(t, userID, tokens.User.ID)
	assert.Equal(t, email, tokens.User.Email)
	assert.True(t, tokens.ExpiresAt.After(time.Now()))

	// Wrong password.
	body, _ = json.Marshal(model.SigninRequest{Email: email, Password: "wrong-password"})
	resp2, err := http.Post(testSrv.URL+"/auth/signin", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	code, message = errorDetail(t, resp2)
	assert.Equal(t, model.ErrCodeUnauthorized, code)
	assert.Equal(t, "invalid email or password", message)
}

func TestSignupValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid email", `{"email":"not-an-email","password":"S3cure-passw0rd!"}`},
		{"weak password", fmt.Sprintf(`{"email":%q,"password":"short"}`, uniqueEmail("weak"))},
		{"unknown field", fmt.Sprintf(`{"email":%q,"password":"S3cure-passw0rd!","admin":true}`, uniqueEmail("extra"))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(testSrv.URL+"/auth/signup", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			code, _ := errorDetail(t, resp)
			assert.Equal(t, model.ErrCodeInvalidInput, code)
		})
	}
}

func TestRequestBodyTooLarge(t *testing.T) {
	oversized := fmt.Sprintf(`{"email":%q,"password":%q}`,
		uniqueEmail("big"), strings.Repeat("a", 2*1024*1024))
	resp, err := http.Post(testSrv.URL+"/auth/signup", "application/json", strings.NewReader(oversized))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestAuthMe(t *testing.T) {
	tokens, userID := newUser(t, "me")

	resp, err := authedRequest("GET", testSrv.URL+"/auth/me", tokens.AccessToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var user model.User
	decodeData(t, resp, &user)
	assert.Equal(t, userID, user.ID)

	// No credentials at all.
	resp2, err := http.Get(testSrv.URL + "/auth/me")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	_, message := errorDetail(t, resp2)
	assert.Equal(t, "missing credentials", message)
}

func TestCookieAuth(t *testing.T) {
	email := uniqueEmail("cookie")
	signup(t, email, "S3cure-passw0rd!")

	body, _ := json.Marshal(model.SigninRequest{Email: email, Password: "S3cure-passw0rd!"})
	resp, err := http.Post(testSrv.URL+"/auth/signin", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Cookies are attached by hand below: they are marked Secure, and Go's
	// cookie jar refuses to replay Secure cookies to the plain-HTTP test server.
	var access, refresh *http.Cookie
	for _, c := range resp.Cookies() {
		switch c.Name {
		case "kokoro_access":
			access = c
		case "kokoro_refresh":
			refresh = c
		}
	}
	require.NotNil(t, access, "signin should set the access cookie")
	require.NotNil(t, refresh, "signin should set the refresh cookie")
	assert.True(t, access.HttpOnly)
	assert.True(t, access.Secure)
	assert.Equal(t, "/", access.Path)
	assert.True(t, refresh.HttpOnly)
	assert.Equal(t, "/auth", refresh.Path)

	// Access cookie alone authenticates API requests.
	req, _ := http.NewRequest("GET", testSrv.URL+"/auth/me", nil)
	req.AddCookie(access)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	// Refresh cookie alone drives token rotation for browser clients.
	req, _ = http.NewRequest("POST", testSrv.URL+"/auth/refresh", nil)
	req.AddCookie(refresh)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)

	var rotated model.AuthTokens
	decodeData(t, resp3, &rotated)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, refresh.Value, rotated.RefreshToken)
}

func TestRefreshRotation(t *testing.T) {
	tokens, _ := newUser(t, "refresh")

	resp, err := http.Post(testSrv.URL+"/auth/refresh", "application/json",
		strings.NewReader(fmt.Sprintf(`{"refresh_token":%q}`, tokens.RefreshToken)))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rotated model.AuthTokens
	decodeData(t, resp, &rotated)
	assert.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)

	// Replaying the rotated-out token fails and clears stale cookies.
	resp2, err := http.Post(testSrv.URL+"/auth/refresh", "application/json",
		strings.NewReader(fmt.Sprintf(`{"refresh_token":%q}`, tokens.RefreshToken)))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	code, message := errorDetail(t, resp2)
	assert.Equal(t, model.ErrCodeUnauthorized, code)
	assert.Equal(t, "invalid or expired refresh token", message)

	cleared := false
	for _, c := range resp2.Cookies() {
		if c.Name == "kokoro_access" && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "replayed refresh should expire the access cookie")
}

func TestSignout(t *testing.T) {
	tokens, _ := newUser(t, "signout")

	resp, err := authedRequest("POST", testSrv.URL+"/auth/signout", tokens.AccessToken,
		model.RefreshRequest{RefreshToken: tokens.RefreshToken})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The revoked refresh token no longer rotates.
	resp2, err := http.Post(testSrv.URL+"/auth/refresh", "application/json",
		strings.NewReader(fmt.Sprintf(`{"refresh_token":%q}`, tokens.RefreshToken)))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/api/user-sessions")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, err := authedRequest("GET", testSrv.URL+"/api/user-sessions", "not-a-real-token", nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestCreateSessionFlow(t *testing.T) {
	tokens, userID := newUser(t, "create")

	created := createSession(t, tokens.AccessToken)
	assert.True(t, strings.HasPrefix(created.RoomName, model.RoomNamePrefix),
		"room name %q should carry the voice room prefix", created.RoomName)
	assert.NotEmpty(t, created.Token)

	resp, err := authedRequest("GET", testSrv.URL+"/api/sessions/"+created.SessionID.String(), tokens.AccessToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail model.Session
	decodeData(t, resp, &detail)
	assert.Equal(t, created.SessionID, detail.ID)
	assert.Equal(t, userID, detail.UserID)
	assert.Equal(t, created.RoomName, detail.RoomName)
	assert.Equal(t, model.SessionStatusActive, detail.Status)
}

func TestResumeSession(t *testing.T) {
	tokens, _ := newUser(t, "resume")
	created := createSession(t, tokens.AccessToken)

	resp, err := authedRequest("POST", testSrv.URL+"/api/resume-session", tokens.AccessToken,
		model.ResumeSessionRequest{SessionID: created.SessionID})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var resumed model.CreateSessionResponse
	decodeData(t, resp, &resumed)
	assert.Equal(t, created.SessionID, resumed.SessionID)
	assert.Equal(t, created.RoomName, resumed.RoomName)
	assert.NotEmpty(t, resumed.Token)

	// Unknown session.
	resp2, err := authedRequest("POST", testSrv.URL+"/api/resume-session", tokens.AccessToken,
		model.ResumeSessionRequest{SessionID: uuid.New()})
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestDeleteSession(t *testing.T) {
	tokens, _ := newUser(t, "delete")
	created := createSession(t, tokens.AccessToken)

	resp, err := authedRequest("DELETE", testSrv.URL+"/api/delete-session", tokens.AccessToken,
		model.DeleteSessionRequest{SessionID: created.SessionID})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := authedRequest("GET", testSrv.URL+"/api/sessions/"+created.SessionID.String(), tokens.AccessToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	// Deleting again reports not found rather than succeeding silently.
	resp3, err := authedRequest("DELETE", testSrv.URL+"/api/delete-session", tokens.AccessToken,
		model.DeleteSessionRequest{SessionID: created.SessionID})
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestIdempotentSessionMutations(t *testing.T) {
	tokens, _ := newUser(t, "idem")

	// Retrying create with the same key replays the original response.
	createKey := uuid.NewString()
	resp, err := authedRequestHeaders("POST", testSrv.URL+"/api/create-session", tokens.AccessToken, nil,
		map[string]string{"Idempotency-Key": createKey})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first model.CreateSessionResponse
	decodeData(t, resp, &first)

	resp2, err := authedRequestHeaders("POST", testSrv.URL+"/api/create-session", tokens.AccessToken, nil,
		map[string]string{"Idempotency-Key": createKey})
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var replayed model.CreateSessionResponse
	decodeData(t, resp2, &replayed)
	assert.Equal(t, first.SessionID, replayed.SessionID, "replay should not mint a second session")

	// Reusing a key with a different payload is rejected.
	other := createSession(t, tokens.AccessToken)
	resumeKey := uuid.NewString()
	resp3, err := authedRequestHeaders("POST", testSrv.URL+"/api/resume-session", tokens.AccessToken,
		model.ResumeSessionRequest{SessionID: first.SessionID},
		map[string]string{"Idempotency-Key": resumeKey})
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	require.Equal(t, http.StatusOK, resp3.StatusCode)

	resp4, err := authedRequestHeaders("POST", testSrv.URL+"/api/resume-session", tokens.AccessToken,
		model.ResumeSessionRequest{SessionID: other.SessionID},
		map[string]string{"Idempotency-Key": resumeKey})
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp4.StatusCode)
	code, message := errorDetail(t, resp4)
	assert.Equal(t, model.ErrCodeConflict, code)
	assert.Equal(t, "idempotency key reused with different payload", message)
}

func TestTranscriptWebhook(t *testing.T) {
	tokens, _ := newUser(t, "webhook")
	created := createSession(t, tokens.AccessToken)

	hook := model.TranscriptWebhook{
		RoomName:        created.RoomName,
		Transcript:      "User: I had a rough week.\nAgent: Tell me more about it.",
		DurationSeconds: 120,
	}

	resp := postSignedWebhook(t, hook)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result model.WebhookResult
	decodeData(t, resp, &result)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "session processed", result.Message)

	// Redelivery of the same transcript is acknowledged without reprocessing.
	resp2 := postSignedWebhook(t, hook)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	decodeData(t, resp2, &result)
	assert.Equal(t, "already processed", result.Message)

	// The session is finalized with the fallback analysis (no LLM configured
	// here), so it lands in ERROR rather than COMPLETED.
	resp3, err := authedRequest("GET", testSrv.URL+"/api/sessions/"+created.SessionID.String(), tokens.AccessToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var detail model.Session
	decodeData(t, resp3, &detail)
	assert.Equal(t, model.SessionStatusError, detail.Status)
	require.NotNil(t, detail.Duration)
	assert.Equal(t, 120, *detail.Duration)
	assert.NotNil(t, detail.EndedAt)
}

func TestTranscriptWebhookRejections(t *testing.T) {
	tokens, _ := newUser(t, "webhook-bad")
	created := createSession(t, tokens.AccessToken)

	body, _ := json.Marshal(model.TranscriptWebhook{RoomName: created.RoomName, Transcript: "hi"})

	// Tampered signature.
	req, _ := http.NewRequest("POST", testSrv.URL+"/webhooks/session-transcript", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.WebhookSignatureHeader, "sha256=deadbeef")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_, message := errorDetail(t, resp)
	assert.Equal(t, "invalid webhook signature", message)

	// Missing signature.
	resp2, err := http.Post(testSrv.URL+"/webhooks/session-transcript", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	// Room with no session on record.
	resp3 := postSignedWebhook(t, model.TranscriptWebhook{
		RoomName:   model.RoomNamePrefix + uuid.NewString(),
		Transcript: "hello",
	})
	defer func() { _ = resp3.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
	_, message = errorDetail(t, resp3)
	assert.Equal(t, "no session for room", message)

	// Unknown fields are rejected rather than silently dropped.
	raw := []byte(fmt.Sprintf(`{"room_name":%q,"transcript":"hi","bogus":1}`, created.RoomName))
	req2, _ := http.NewRequest("POST", testSrv.URL+"/webhooks/session-transcript", bytes.NewReader(raw))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set(auth.WebhookSignatureHeader, auth.SignWebhook(testWebhookSecret, raw))
	resp4, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer func() { _ = resp4.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp4.StatusCode)

	// Negative duration.
	resp5 := postSignedWebhook(t, model.TranscriptWebhook{
		RoomName:        created.RoomName,
		Transcript:      "hi",
		DurationSeconds: -5,
	})
	defer func() { _ = resp5.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp5.StatusCode)
}

func TestUserSessionsEndpoint(t *testing.T) {
	tokens, userID := newUser(t, "history")
	seedCompleted(t, userID, "Workload check-in", []string{"work stress"}, 4.5, nil)
	seedCompleted(t, userID, "Sleep habits", []string{"sleep"}, 6.0, nil)
	seedCompleted(t, userID, "Weekend recap", []string{"rest"}, 7.0, nil)

	resp, err := authedRequest("GET", testSrv.URL+"/api/user-sessions", tokens.AccessToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page model.SessionsPage
	decodeData(t, resp, &page)
	assert.Equal(t, 3, page.Pagination.TotalSessions)
	assert.Equal(t, 1, page.Pagination.Page)
	require.NotEmpty(t, page.Months)

	total := 0
	for _, month := range page.Months {
		assert.NotEmpty(t, month.Label)
		total += len(month.Sessions)
	}
	assert.Equal(t, 3, total)

	// Small pages paginate.
	resp2, err := authedRequest("GET", testSrv.URL+"/api/user-sessions?page=1&page_size=2", tokens.AccessToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	decodeData(t, resp2, &page)
	assert.Equal(t, 2, page.Pagination.PageSize)
	assert.True(t, page.Pagination.HasNext)
	assert.False(t, page.Pagination.HasPrev)
}

func TestSessionDetailErrors(t *testing.T) {
	tokens, _ := newUser(t, "detail")

	resp, err := authedRequest("GET", testSrv.URL+"/api/sessions/not-a-uuid", tokens.AccessToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Another user's session is indistinguishable from a missing one.
	otherTokens, _ := newUser(t, "detail-other")
	created := createSession(t, otherTokens.AccessToken)

	resp2, err := authedRequest("GET", testSrv.URL+"/api/sessions/"+created.SessionID.String(), tokens.AccessToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestRelatedSessions(t *testing.T) {
	tokens, userID := newUser(t, "related")
	e0 := unitVec(0)
	reference := seedCompleted(t, userID, "Deadline spiral", []string{"work stress"}, 4.0, &e0)
	neighbor := seedCompleted(t, userID, "Workload boundaries", []string{"work stress"}, 5.5, &e0)
	seedCompleted(t, userID, "No embedding yet", []string{"sleep"}, 6.0, nil)

	resp, err := authedRequest("GET", testSrv.URL+"/api/sessions/"+reference.ID.String()+"/related?limit=5", tokens.AccessToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var related []model.RelatedSession
	decodeData(t, resp, &related)
	require.Len(t, related, 1, "only the embedded neighbor should match")
	assert.Equal(t, neighbor.ID, related[0].Session.ID)
	assert.InDelta(t, 0.0, related[0].Distance, 1e-6)
}

func TestProgressEndpoint(t *testing.T) {
	tokens, userID := newUser(t, "progress")
	seedCompleted(t, userID, "Low point", []string{"work stress"}, 4.0, nil)
	seedCompleted(t, userID, "Rebound", []string{"work stress", "recovery"}, 8.0, nil)

	resp, err := authedRequest("GET", testSrv.URL+"/api/analytics/progress", tokens.AccessToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var insights model.ProgressInsights
	decodeData(t, resp, &insights)
	assert.Equal(t, 2, insights.TotalSessions)
	require.NotNil(t, insights.AverageMood)
	assert.InDelta(t, 6.0, *insights.AverageMood, 1e-6)

	topics := make(map[string]int)
	for _, vc := range insights.TopTopics {
		topics[vc.Value] = vc.Count
	}
	assert.Equal(t, 2, topics["work stress"])
}

func TestEventsStream(t *testing.T) {
	tokens, _ := newUser(t, "events")
	created := createSession(t, tokens.AccessToken)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", testSrv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The handler subscribes just after flushing the headers; give it a
	// moment before triggering the notification.
	time.Sleep(300 * time.Millisecond)

	whResp := postSignedWebhook(t, model.TranscriptWebhook{
		RoomName:        created.RoomName,
		Transcript:      "User: short session today.",
		DurationSeconds: 30,
	})
	require.Equal(t, http.StatusOK, whResp.StatusCode)
	_ = whResp.Body.Close()

	// The context deadline tears the stream down if the event never arrives.
	sawEvent := false
	sawSession := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: kokoro_sessions" {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, created.SessionID.String()) {
			sawSession = true
			break
		}
	}
	assert.True(t, sawEvent, "expected a kokoro_sessions event on the stream")
	assert.True(t, sawSession, "expected the finalized session id in the event payload")
}

func TestMCPInitialize(t *testing.T) {
	tokens, _ := newUser(t, "mcp-init")
	c := newMCPClient(t, tokens.AccessToken)
	defer func() { _ = c.Close() }()

	initResult, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "kokoro", initResult.ServerInfo.Name)
	assert.Equal(t, "test", initResult.ServerInfo.Version)
}

func TestMCPListSurface(t *testing.T) {
	tokens, _ := newUser(t, "mcp-list")
	c := newMCPClient(t, tokens.AccessToken)
	defer func() { _ = c.Close() }()
	initMCP(t, c)

	ctx := context.Background()

	toolsResult, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, toolsResult.Tools, 3)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	assert.True(t, toolNames["kokoro_session_history"], "expected kokoro_session_history tool")
	assert.True(t, toolNames["kokoro_progress_insights"], "expected kokoro_progress_insights tool")
	assert.True(t, toolNames["kokoro_find_sessions"], "expected kokoro_find_sessions tool")

	resourcesResult, err := c.ListResources(ctx, mcplib.ListResourcesRequest{})
	require.NoError(t, err)
	require.Len(t, resourcesResult.Resources, 1)
	assert.Equal(t, "kokoro://sessions/recent", resourcesResult.Resources[0].URI)

	promptsResult, err := c.ListPrompts(ctx, mcplib.ListPromptsRequest{})
	require.NoError(t, err)
	assert.Len(t, promptsResult.Prompts, 2)
}

func TestMCPSessionHistory(t *testing.T) {
	tokens, userID := newUser(t, "mcp-history")
	seedCompleted(t, userID, "Morning check-in", []string{"sleep"}, 6.5, nil)

	c := newMCPClient(t, tokens.AccessToken)
	defer func() { _ = c.Close() }()
	initMCP(t, c)

	result, err := c.CallTool(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "kokoro_session_history",
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "history tool returned error: %v", result.Content)
	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	assert.Contains(t, text.Text, "Morning check-in")
	assert.Contains(t, text.Text, "months")
}

func TestMCPUnauthenticated(t *testing.T) {
	resp, err := http.Post(testSrv.URL+"/mcp", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimitHeaders(t *testing.T) {
	// The main test server runs without a limiter; assemble one here to
	// check the middleware is wired when enabled.
	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		JWTMgr:              testDeps.jwtMgr,
		Accounts:            testDeps.accounts,
		Sessions:            testDeps.sessions,
		Logger:              testutil.TestLogger(),
		Limiter:             ratelimit.New(),
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	})
	limited := httptest.NewServer(srv.Handler())
	defer limited.Close()

	body, _ := json.Marshal(model.SigninRequest{Email: uniqueEmail("rl"), Password: "S3cure-passw0rd!"})
	resp, err := http.Post(limited.URL+"/auth/signin", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "20", resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
}
