package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/service/accounts"
	"github.com/ashita-ai/kokoro/internal/service/sessions"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	accounts            *accounts.Service
	sessions            *sessions.Service
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	webhookSecret       string
	sessionHooks        []SessionHook
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, SessionHooks, OpenAPISpec. An empty
// WebhookSecret accepts unsigned transcript deliveries.
type HandlersDeps struct {
	DB                  *storage.DB
	Accounts            *accounts.Service
	Sessions            *sessions.Service
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	WebhookSecret       string
	SessionHooks        []SessionHook
	OpenAPISpec         []byte
}

// NewHandlers wires the handler set from its dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		accounts:            d.Accounts,
		sessions:            d.Sessions,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		webhookSecret:       d.WebhookSecret,
		sessionHooks:        d.SessionHooks,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth serves GET /health: process uptime plus a live Postgres ping.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Postgres:      pgStatus,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI spec, if one was provided.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs the underlying error and writes a 500 with a
// generic message. Details never leak to the client.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	idStr := r.PathValue("session_id")
	if idStr == "" {
		return uuid.Nil, fmt.Errorf("session_id is required")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session_id: %s", idStr)
	}
	return id, nil
}

// maxQueryLimit caps ?limit= on every list endpoint.
const maxQueryLimit = 50

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit reads ?limit= and clamps it to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
