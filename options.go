package kokoro

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions collects every extension point before defaults apply.
// Callers go through the With* functions; the struct stays unexported.
type resolvedOptions struct {
	port              int
	databaseURL       string
	notifyURL         string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	analyzer          Analyzer
	sessionHooks      []SessionHook
	routeRegistrars   []RouteRegistrar
	middlewares       []Middleware
	extraMigrations   []fs.FS
}

// WithPort overrides the TCP port from config (KOKORO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NOTIFY_URL env var). Needed when queries go through a pooler such as
// PgBouncer, since a LISTEN subscription lives on a single real connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App. Without it the App
// logs through slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version reported by /health and the MCP server.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Ollama, OpenAI, or noop). Dimensions must agree with the embedding
// column, or inserts from the outbox worker will fail.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithAnalyzer replaces the built-in session analyzer. Registering more than
// once keeps only the last.
func WithAnalyzer(a Analyzer) Option {
	return func(o *resolvedOptions) { o.analyzer = a }
}

// WithSessionHook registers a hook fired after each session finalization.
// Every registered hook sees every event.
func WithSessionHook(hook SessionHook) Option {
	return func(o *resolvedOptions) { o.sessionHooks = append(o.sessionHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the embedded migrations. Multiple filesystems may be registered; they are
// applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
