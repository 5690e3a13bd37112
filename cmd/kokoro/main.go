package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kokoro/api"
	"github.com/ashita-ai/kokoro/internal/auth"
	"github.com/ashita-ai/kokoro/internal/config"
	"github.com/ashita-ai/kokoro/internal/livekit"
	"github.com/ashita-ai/kokoro/internal/mcp"
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

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KOKORO_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kokoro starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		slog.Warn("migrations failed", "error", err)
	}

	// Verify the core table exists after migration. If the database user
	// lacks permission to CREATE EXTENSION vector, migration 001 fails and
	// the server would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'sessions')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("critical table 'sessions' does not exist after migration; check that the database user can create the pgvector extension")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.AccessTokenTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)

	// The outbox worker computes summary embeddings after finalization.
	// With the noop provider it would only write zero vectors, so leave it off.
	var outboxWorker *embedding.Worker
	if _, noop := embedder.(*embedding.NoopProvider); noop {
		logger.Info("embedding outbox: disabled (noop provider)")
	} else {
		outboxWorker = embedding.NewWorker(db, embedder, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		outboxWorker.Start(ctx)
	}

	rooms := newRoomService(cfg, logger)
	az := newAnalyzer(cfg, logger)

	accountsSvc := accounts.New(db, jwtMgr, cfg.RefreshTokenTTL, logger)
	sessionsSvc := sessions.New(db, rooms, az, sessions.Config{
		RoomAPIKey:       cfg.RoomAPIKey,
		RoomAPISecret:    cfg.RoomAPISecret,
		RoomTokenTTL:     cfg.RoomTokenTTL,
		AgentName:        cfg.AgentName,
		RoomEmptyTimeout: cfg.RoomEmptyTimeout,
		SweepStaleAfter:  cfg.SweepStaleAfter,
	}, logger)

	mcpSrv := mcp.New(db, sessionsSvc, embedder, logger, version)

	// SSE broker (requires a LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("SSE broker: disabled (no NOTIFY_URL)")
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.New()
		defer func() { _ = limiter.Close() }()
	} else {
		logger.Info("rate limiting: disabled")
	}

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
	})

	// Expire abandoned sessions whose transcript webhook never arrived.
	go sweepLoop(ctx, sessionsSvc, logger, cfg.SweepInterval)

	// Retention for idempotency records.
	go idempotencyCleanupLoop(ctx, db, logger,
		cfg.IdempotencyCleanupInterval, cfg.IdempotencyCompletedTTL, cfg.IdempotencyAbandonedTTL)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Stop HTTP first: in-flight webhook deliveries may
	// still enqueue outbox entries, which the drain below then flushes.
	slog.Info("kokoro shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if outboxWorker != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		outboxWorker.Drain(drainCtx)
		drainCancel()
	}

	slog.Info("kokoro stopped")
	return nil
}

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
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
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

func sweepLoop(ctx context.Context, svc *sessions.Service, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.Sweep(ctx)
			if err != nil {
				logger.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("session sweep complete", "expired", n)
			}
		}
	}
}

func idempotencyCleanupLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, interval, completedTTL, abandonedTTL time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanupIdempotencyKeys(ctx, completedTTL, abandonedTTL)
			if err != nil {
				logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("idempotency cleanup complete", "removed", n)
			}
		}
	}
}
