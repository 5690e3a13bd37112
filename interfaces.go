package kokoro

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces auto-detected Ollama/OpenAI/noop.
// Uses []float32 (not pgvector.Vector) to avoid forcing the pgvector dependency on
// external consumers. New() wraps it in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Analyzer turns a raw session transcript into the structured analysis
// persisted at finalization. When provided via WithAnalyzer, replaces the
// built-in OpenAI-backed analyzer.
//
// Implementations should degrade rather than error: return an Analysis with
// Failed set when the underlying provider is exhausted, so the session still
// finalizes. A returned error aborts the delivery and parks the session in
// ERROR with no analysis payload.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string, durationSeconds int) (Analysis, error)
}

// SessionHook receives async notifications when a session reaches a terminal
// status through the transcript webhook. Multiple hooks may be registered via
// multiple WithSessionHook calls. Hook methods run in goroutines — they must
// not block indefinitely. Failures are logged but do not fail the delivery.
type SessionHook interface {
	OnSessionFinalized(ctx context.Context, session Session) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extension routes share the mux, auth chain, and OTEL instrumentation with
// the built-in routes. The function is called once during New() after all
// built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper exposes the request identity resolved by the auth middleware,
// for use in RouteRegistrar handlers without depending on internal packages.
type AuthHelper interface {
	// UserID returns the authenticated user for the request. ok is false
	// only on auth-exempt paths; everywhere else the middleware has already
	// rejected anonymous requests.
	UserID(r *http.Request) (id uuid.UUID, ok bool)
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
