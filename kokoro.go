// Package kokoro is the public API for embedding the Kokoro voice support server.
//
// Hosting platforms and plugin consumers import this package to construct and
// extend the server without forking it:
//
//	app, err := kokoro.New(
//	    kokoro.WithVersion(version),
//	    kokoro.WithLogger(logger),
//	    kokoro.WithSessionHook(myCRMSync{}),
//	    kokoro.WithExtraRoutes(myTenantRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kokoro (root) imports
// internal/*, but internal/* never imports kokoro (root).  Public types
// (Session, Analysis) are standalone structs with no internal imports;
// conversion helpers (toPublicSession, fromPublicAnalysis) live here because
// this is the only file that sees both sides of the boundary.
package kokoro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kokoro/api"
	"github.com/ashita-ai/kokoro/internal/auth"
	"github.com/ashita-ai/kokoro/internal/config"
	"github.com/ashita-ai/kokoro/internal/ctxutil"
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
	"github.com/ashita-ai/kokoro/internal/telemetry"
	"github.com/ashita-ai/kokoro/migrations"
)

// App is the Kokoro server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	sessions     *sessions.Service
	outbox       *embedding.Worker // nil when the noop provider is active
	broker       *server.Broker    // nil when no notify connection
	limiter      *ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Kokoro server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kokoro starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx(opts), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Run extra (host platform) migrations after the embedded ones.
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify the core table exists after migration. If the database user
	// lacks permission to CREATE EXTENSION vector, migration 001 fails and
	// the server would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'sessions')`,
	).Scan(&schemaOK); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'sessions' does not exist after migration; check that the database user can create the pgvector extension")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.AccessTokenTTL)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Create embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = embedding.NewPublicProviderAdapter(o.embeddingProvider)
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// The outbox worker computes summary embeddings after finalization.
	// With the noop provider it would only write zero vectors, so leave it off.
	var outboxWorker *embedding.Worker
	if _, noop := embedder.(*embedding.NoopProvider); noop {
		logger.Info("embedding outbox: disabled (noop provider)")
	} else {
		outboxWorker = embedding.NewWorker(db, embedder, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	}

	// Room service and session analyzer — the analyzer honors an external
	// override the same way the embedder does.
	rooms := newRoomService(cfg, logger)
	var az analyzer.Analyzer
	if o.analyzer != nil {
		az = &analyzerAdapter{a: o.analyzer}
	} else {
		az = newAnalyzer(cfg, logger)
	}

	// Create services.
	accountsSvc := accounts.New(db, jwtMgr, cfg.RefreshTokenTTL, logger)
	sessionsSvc := sessions.New(db, rooms, az, sessions.Config{
		RoomAPIKey:       cfg.RoomAPIKey,
		RoomAPISecret:    cfg.RoomAPISecret,
		RoomTokenTTL:     cfg.RoomTokenTTL,
		AgentName:        cfg.AgentName,
		RoomEmptyTimeout: cfg.RoomEmptyTimeout,
		SweepStaleAfter:  cfg.SweepStaleAfter,
	}, logger)

	// MCP server.
	mcpSrv := mcp.New(db, sessionsSvc, embedder, logger, version)

	// SSE broker (requires a LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no NOTIFY_URL)")
	}

	// Rate limiter.
	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.New()
	} else {
		logger.Info("rate limiting: disabled")
	}

	// Adapt session hooks from public kokoro.SessionHook to internal server.SessionHook.
	var sessionHooks []server.SessionHook
	for _, h := range o.sessionHooks {
		sessionHooks = append(sessionHooks, &sessionHookAdapter{hook: h})
	}

	// Adapt route registrars from public kokoro.RouteRegistrar to internal server format.
	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		fn := fn // capture
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux) {
			fn(mux, authHelperImpl{})
		})
	}

	// Adapt middlewares from kokoro.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		mw := mw // capture
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// Create HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Accounts:            accountsSvc,
		Sessions:            sessionsSvc,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		WebhookSecret:       cfg.WebhookSecret,
		OpenAPISpec:         api.OpenAPISpec,
		SessionHooks:        sessionHooks,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		sessions:     sessionsSvc,
		outbox:       outboxWorker,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	// Background goroutines.
	go a.sweepLoop(ctx)
	go a.idempotencyCleanupLoop(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown: (1) stop accepting HTTP
// requests and drain in-flight deliveries, which may still enqueue outbox
// entries, then (2) drain the embedding outbox. It then closes the rate
// limiter, database pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kokoro shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: outbox drain.
	if a.outbox != nil {
		drainCtx, drainCancel := context.WithTimeout(ctx, 10*time.Second)
		a.outbox.Drain(drainCtx)
		drainCancel()
	}

	// Cleanup.
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("kokoro stopped")
	return nil
}

// ── Background loops ───────────────────────────────────────────────────────────

// sweepLoop expires abandoned sessions whose transcript webhook never arrived.
func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.sessions.Sweep(ctx)
			if err != nil {
				a.logger.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("session sweep complete", "expired", n)
			}
		}
	}
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup complete", "removed", deleted)
			}
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// sessionHookAdapter wraps a kokoro.SessionHook to satisfy server.SessionHook.
// It converts internal model types to public kokoro types at the boundary.
type sessionHookAdapter struct {
	hook SessionHook
}

func (a *sessionHookAdapter) OnSessionFinalized(ctx context.Context, s model.Session) error {
	return a.hook.OnSessionFinalized(ctx, toPublicSession(s))
}

// analyzerAdapter wraps a kokoro.Analyzer to satisfy analyzer.Analyzer.
type analyzerAdapter struct {
	a Analyzer
}

func (a *analyzerAdapter) Analyze(ctx context.Context, transcript string, durationSeconds int) (model.SessionAnalysis, error) {
	result, err := a.a.Analyze(ctx, transcript, durationSeconds)
	if err != nil {
		return model.SessionAnalysis{}, err
	}
	return fromPublicAnalysis(result), nil
}

// authHelperImpl implements kokoro.AuthHelper over the request context
// populated by the server's auth middleware. Constructed in the route
// registrar adapter closure; bridges the public interface to the internal
// identity plumbing without importing ctxutil from extension code.
type authHelperImpl struct{}

func (authHelperImpl) UserID(r *http.Request) (uuid.UUID, bool) {
	id := ctxutil.UserIDFromContext(r.Context())
	return id, id != uuid.Nil
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicSession converts an internal model.Session to the public kokoro.Session.
// Lives here because this is the only file that imports both sides of the boundary.
func toPublicSession(s model.Session) Session {
	return Session{
		ID:                  s.ID,
		UserID:              s.UserID,
		RoomName:            s.RoomName,
		Status:              string(s.Status),
		StartedAt:           s.StartedAt,
		EndedAt:             s.EndedAt,
		DurationSeconds:     s.Duration,
		Title:               s.Title,
		Summary:             s.Summary,
		KeyTopics:           s.KeyTopics,
		PrimaryEmotions:     s.PrimaryEmotions,
		MoodScore:           s.MoodScore,
		EngagementScore:     s.EngagementScore,
		StressIndicators:    s.StressIndicators,
		BreakthroughMoments: s.BreakthroughMoments,
		WordCount:           s.WordCount,
		CreatedAt:           s.CreatedAt,
	}
}

// fromPublicAnalysis converts a kokoro.Analysis to the internal analysis
// payload, clamping scores to the persisted 1-10 range.
func fromPublicAnalysis(a Analysis) model.SessionAnalysis {
	status := model.SessionStatusCompleted
	if a.Failed {
		status = model.SessionStatusError
	}
	return model.SessionAnalysis{
		Title:               a.Title,
		Summary:             a.Summary,
		KeyTopics:           a.KeyTopics,
		PrimaryEmotions:     a.PrimaryEmotions,
		MoodScore:           model.ClampScore(a.MoodScore),
		EngagementScore:     model.ClampScore(a.EngagementScore),
		StressIndicators:    a.StressIndicators,
		BreakthroughMoments: a.BreakthroughMoments,
		WordCount:           a.WordCount,
		Status:              status,
	}
}

// ── Helpers (shared with cmd/kokoro/main.go) ───────────────────────────────────

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if a key is present, else
// noop. Ollama is preferred: embeddings stay on-premises with no API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KOKORO_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// newRoomService returns the real room client when credentials are present,
// otherwise a noop that skips provisioning calls. Sessions still mint join
// tokens either way.
func newRoomService(cfg config.Config, logger *slog.Logger) livekit.Rooms {
	if cfg.RoomAPIKey == "" || cfg.RoomAPISecret == "" {
		logger.Warn("room service: noop (LIVEKIT_API_KEY/LIVEKIT_API_SECRET not set)")
		return livekit.NewNoopRooms()
	}
	client, err := livekit.NewClient(cfg.RoomServiceURL, cfg.RoomAPIKey, cfg.RoomAPISecret)
	if err != nil {
		logger.Error("room service init failed, using noop", "error", err)
		return livekit.NewNoopRooms()
	}
	logger.Info("room service: livekit", "url", cfg.RoomServiceURL)
	return client
}

// newAnalyzer returns the LLM-backed session analyzer, or the noop fallback
// when no credentials are configured (sessions then finalize with the
// default payload in ERROR status).
func newAnalyzer(cfg config.Config, logger *slog.Logger) analyzer.Analyzer {
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("analyzer: noop (OPENAI_API_KEY not set)")
		return analyzer.NoopAnalyzer{}
	}
	logger.Info("analyzer: openai", "model", cfg.AnalyzerModel, "max_attempts", cfg.AnalyzerMaxAttempts)
	return analyzer.NewOpenAIAnalyzer(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.AnalyzerModel, cfg.AnalyzerMaxAttempts, logger)
}

// ctx is a no-op helper so that New(opts ...) can pass a background context to
// telemetry.Init without adding a context parameter to the public API.
// The returned context is never cancelled by this function.
func ctx(_ []Option) context.Context { return context.Background() }
