package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kokoro/internal/auth"
	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/ratelimit"
	"github.com/ashita-ai/kokoro/internal/service/accounts"
	"github.com/ashita-ai/kokoro/internal/service/sessions"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// Server is the Kokoro HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB       *storage.DB
	JWTMgr   *auth.JWTManager
	Accounts *accounts.Service
	Sessions *sessions.Service
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   *ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// WebhookSecret authenticates inbound transcript deliveries.
	// Empty accepts unsigned deliveries.
	WebhookSecret string

	// OpenAPISpec is the embedded OpenAPI YAML, served at /openapi.yaml
	// when non-empty.
	OpenAPISpec []byte

	// SessionHooks are notified after each fresh webhook finalization.
	SessionHooks []SessionHook

	// ExtraRoutes register additional endpoints on the shared mux. They run
	// after the built-in routes, under the same auth and middleware chain.
	ExtraRoutes []func(*http.ServeMux)

	// Middlewares wrap the fully assembled handler, outermost first, so they
	// see every request including exempt paths like /health.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Accounts:            cfg.Accounts,
		Sessions:            cfg.Sessions,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		WebhookSecret:       cfg.WebhookSecret,
		SessionHooks:        cfg.SessionHooks,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}

	// Rate limit rules. Unauthenticated account endpoints are keyed by IP;
	// everything else by the authenticated user.
	authRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "auth", Limit: 20, Window: time.Minute,
	}, ratelimit.IPKeyFunc, reqIDFunc)
	sessionRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "session", Limit: 30, Window: time.Minute,
	}, userKeyFunc, reqIDFunc)
	queryRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "query", Limit: 300, Window: time.Minute,
	}, userKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Account endpoints (no auth required, rate limited by IP).
	mux.Handle("POST /auth/signup", authRL(http.HandlerFunc(h.HandleSignup)))
	mux.Handle("POST /auth/signin", authRL(http.HandlerFunc(h.HandleSignin)))
	mux.Handle("POST /auth/refresh", authRL(http.HandlerFunc(h.HandleRefresh)))

	// Account endpoints behind auth.
	mux.Handle("POST /auth/signout", http.HandlerFunc(h.HandleSignout))
	mux.Handle("GET /auth/me", http.HandlerFunc(h.HandleMe))

	// Session lifecycle (rate limited per user; these provision rooms).
	mux.Handle("POST /api/create-session", sessionRL(http.HandlerFunc(h.HandleCreateSession)))
	mux.Handle("POST /api/resume-session", sessionRL(http.HandlerFunc(h.HandleResumeSession)))
	mux.Handle("DELETE /api/delete-session", sessionRL(http.HandlerFunc(h.HandleDeleteSession)))

	// Session queries.
	mux.Handle("GET /api/user-sessions", queryRL(http.HandlerFunc(h.HandleUserSessions)))
	mux.Handle("GET /api/sessions/{session_id}", queryRL(http.HandlerFunc(h.HandleSessionDetail)))
	mux.Handle("GET /api/sessions/{session_id}/related", queryRL(http.HandlerFunc(h.HandleRelatedSessions)))
	mux.Handle("GET /api/analytics/progress", queryRL(http.HandlerFunc(h.HandleProgress)))

	// Event stream (no rate limit; long-lived connection).
	mux.Handle("GET /api/events", http.HandlerFunc(h.HandleEvents))

	// Agent transcript webhook (HMAC-authenticated, no JWT).
	mux.Handle("POST /webhooks/session-transcript", http.HandlerFunc(h.HandleTranscriptWebhook))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Extension routes share the mux and the full middleware chain.
	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Caller-supplied middlewares wrap everything above; the first registered
	// one ends up outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// userKeyFunc extracts the authenticated user ID for rate limiting.
// Returns empty string for unauthenticated requests; on rate-limited routes
// the auth middleware has already rejected those.
func userKeyFunc(r *http.Request) string {
	if id := ctxutil.UserIDFromContext(r.Context()); id != uuid.Nil {
		return id.String()
	}
	return ""
}

// Handlers returns the underlying Handlers for access in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops listening.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
