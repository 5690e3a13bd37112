// Command backfill-embeddings computes summary embeddings for completed
// sessions stored without one, e.g. sessions finalized while the embedding
// provider was noop or while the outbox was dead-lettering.
//
// Usage:
//
//	DATABASE_URL=postgres://... OPENAI_API_KEY=... go run ./scripts/backfill-embeddings
//
// Provider selection: KOKORO_EMBEDDING_PROVIDER=ollama uses Ollama; otherwise
// OpenAI is used when OPENAI_API_KEY is set. The script refuses to run with
// no provider rather than writing zero vectors.
//
// Safe to run multiple times — it only touches rows whose summary_embedding
// is NULL. Once all sessions are embedded it reports 0 updates and exits.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kokoro/internal/config"
	"github.com/ashita-ai/kokoro/internal/service/embedding"
	"github.com/ashita-ai/kokoro/internal/storage"
)

const batchSize = 64

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var provider embedding.Provider
	switch {
	case cfg.EmbeddingProvider == "ollama":
		provider = embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	case cfg.OpenAIAPIKey != "":
		provider = embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	default:
		return fmt.Errorf("no embedding provider configured: set OPENAI_API_KEY or KOKORO_EMBEDDING_PROVIDER=ollama")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	total := 0
	for {
		ids, summaries, err := nextBatch(ctx, db)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}

		vecs, err := provider.EmbedBatch(ctx, summaries)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		if len(vecs) != len(ids) {
			return fmt.Errorf("embed batch: got %d vectors for %d summaries", len(vecs), len(ids))
		}

		for i, id := range ids {
			if err := db.UpdateSessionEmbedding(ctx, id, vecs[i]); err != nil {
				return fmt.Errorf("store embedding for %s: %w", id, err)
			}
		}
		total += len(ids)
		fmt.Printf("embedded %d sessions (%d total)\n", len(ids), total)
	}

	fmt.Printf("done: backfilled %d session embeddings\n", total)
	return nil
}

func nextBatch(ctx context.Context, db *storage.DB) ([]uuid.UUID, []string, error) {
	rows, err := db.Pool().Query(ctx,
		`SELECT id, summary
		 FROM sessions
		 WHERE status = 'COMPLETED' AND summary IS NOT NULL AND summary_embedding IS NULL
		 ORDER BY created_at ASC
		 LIMIT $1`, batchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	var summaries []string
	for rows.Next() {
		var id uuid.UUID
		var summary string
		if err := rows.Scan(&id, &summary); err != nil {
			return nil, nil, fmt.Errorf("scan: %w", err)
		}
		ids = append(ids, id)
		summaries = append(summaries, summary)
	}
	return ids, summaries, rows.Err()
}
