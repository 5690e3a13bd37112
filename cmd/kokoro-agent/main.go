package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kokoro/internal/agent"
	"github.com/ashita-ai/kokoro/internal/config"
	"github.com/ashita-ai/kokoro/internal/service/paralinguistic"
	"github.com/ashita-ai/kokoro/internal/telemetry"
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

	// The agent cannot hold a conversation without a dialogue model.
	if cfg.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required for the agent worker")
	}
	if cfg.RoomAPIKey == "" || cfg.RoomAPISecret == "" {
		return fmt.Errorf("LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required for the agent worker")
	}

	slog.Info("kokoro agent starting",
		"version", version,
		"agent_name", cfg.AgentName,
		"server_url", cfg.RoomServiceURL,
		"max_sessions", cfg.AgentMaxSessions,
	)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-agent", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	chat := agent.NewOpenAICompleter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.DialogueModel)
	enrich := newParalinguisticProvider(cfg, logger)

	worker := agent.New(agent.Config{
		ServerURL:         cfg.RoomServiceURL,
		APIKey:            cfg.RoomAPIKey,
		APISecret:         cfg.RoomAPISecret,
		AgentName:         cfg.AgentName,
		MaxSessions:       cfg.AgentMaxSessions,
		ShutdownGrace:     cfg.AgentShutdownGrace,
		EnrichmentTimeout: cfg.EnrichmentTimeout,
		WebhookURL:        cfg.WebhookURL,
		WebhookSecret:     cfg.WebhookSecret,
		SpoolDir:          cfg.AgentSpoolDir,
	}, chat, enrich, logger)

	if err := worker.Run(ctx); err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	slog.Info("kokoro agent stopped")
	return nil
}

// newParalinguisticProvider returns the Deepgram-backed provider when an API
// key is configured, otherwise the noop provider. Without it turns carry no
// vocal-delivery context, but conversations still work.
func newParalinguisticProvider(cfg config.Config, logger *slog.Logger) paralinguistic.Provider {
	if cfg.DeepgramAPIKey == "" {
		logger.Warn("paralinguistic analysis: noop (DEEPGRAM_API_KEY not set)")
		return paralinguistic.NewNoopProvider()
	}
	logger.Info("paralinguistic analysis: deepgram", "url", cfg.DeepgramURL)
	return paralinguistic.NewDeepgramProvider(cfg.DeepgramAPIKey, cfg.DeepgramURL)
}
