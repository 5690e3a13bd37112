package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/telemetry"
)

// outboxEntry represents a single row from the embedding_outbox table.
type outboxEntry struct {
	ID        int64
	SessionID uuid.UUID
	Attempts  int
}

// Worker polls the embedding_outbox table and computes summary embeddings
// for finalized sessions. Rows are enqueued transactionally with
// finalization, so a session either has a pending entry or an embedding
// (or had no summary worth embedding).
type Worker struct {
	db           *storage.DB
	provider     Provider
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewWorker creates an embedding outbox worker.
func NewWorker(db *storage.DB, provider Provider, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Worker {
	return &Worker{
		db:           db,
		provider:     provider,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("embedding outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and blocks
// until done or the context expires. The ctx parameter is passed to the final
// poll so it respects the caller's deadline.
func (w *Worker) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("embedding outbox: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context (sent by Drain via channel)
			// so the final poll respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

const maxOutboxAttempts = 10

func (w *Worker) processBatch(ctx context.Context) {
	tx, err := w.db.Pool().Begin(ctx)
	if err != nil {
		w.logger.Error("embedding outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Select and lock pending entries.
	rows, err := tx.Query(ctx,
		`SELECT id, session_id, attempts
		 FROM embedding_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("embedding outbox: select pending", "error", err)
		return
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("embedding outbox: scan entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	// Lock the entries for 60 seconds (must exceed the 30s batchCtx timeout
	// to prevent a second worker from picking up entries whose lock expired
	// while the first worker is still processing).
	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE embedding_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		entryIDs,
	); err != nil {
		w.logger.Error("embedding outbox: lock entries", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("embedding outbox: commit lock", "error", err)
		return
	}

	w.processEntries(ctx, entries)

	// Periodically clean up dead-letter entries (attempts >= max, older than 7 days).
	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

func (w *Worker) processEntries(ctx context.Context, entries []outboxEntry) {
	sessionIDs := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		sessionIDs[i] = e.SessionID
	}

	summaries, err := w.fetchSummaries(ctx, sessionIDs)
	if err != nil {
		w.logger.Error("embedding outbox: fetch summaries", "error", err, "count", len(sessionIDs))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	// Split entries into those with a summary to embed and those without
	// (session deleted, or finalized by the sweep with no analysis).
	var embeddable []outboxEntry
	var texts []string
	var skippable []outboxEntry
	for _, e := range entries {
		if text, ok := summaries[e.SessionID]; ok && text != "" {
			embeddable = append(embeddable, e)
			texts = append(texts, text)
		} else {
			skippable = append(skippable, e)
		}
	}

	if len(skippable) > 0 {
		w.succeedEntries(ctx, skippable)
	}
	if len(embeddable) == 0 {
		return
	}

	vecs, err := w.provider.EmbedBatch(ctx, texts)
	if err != nil {
		w.logger.Error("embedding outbox: embed batch", "error", err, "count", len(texts))
		w.failEntries(ctx, embeddable, err.Error())
		return
	}

	var completed []outboxEntry
	var failed []outboxEntry
	var lastErr string
	for i, e := range embeddable {
		if err := w.db.UpdateSessionEmbedding(ctx, e.SessionID, vecs[i]); err != nil {
			// ErrNotFound means the session was deleted after the fetch;
			// treat that as done rather than retrying forever.
			if errors.Is(err, storage.ErrNotFound) {
				completed = append(completed, e)
				continue
			}
			failed = append(failed, e)
			lastErr = err.Error()
			continue
		}
		completed = append(completed, e)
	}

	if len(completed) > 0 {
		w.succeedEntries(ctx, completed)
		w.logger.Info("embedding outbox: embedded", "count", len(completed))
	}
	if len(failed) > 0 {
		w.logger.Error("embedding outbox: store embeddings", "error", lastErr, "count", len(failed))
		w.failEntries(ctx, failed, lastErr)
	}
}

func (w *Worker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.db.Pool().Exec(ctx,
		`DELETE FROM embedding_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("embedding outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("embedding outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *Worker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.db.Pool().Exec(ctx,
		`DELETE FROM embedding_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		w.logger.Error("embedding outbox: delete completed entries", "error", err)
	}
}

func (w *Worker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	// Exponential backoff: locked_until = now() + 2^attempts seconds (capped at
	// 5 minutes). This prevents tight retry loops during provider outages.
	if _, err := w.db.Pool().Exec(ctx,
		`UPDATE embedding_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("embedding outbox: update failed entries", "error", err)
	}

	// Log dead-letter entries (attempts >= maxOutboxAttempts after increment).
	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("embedding outbox: dead-letter entry",
				"outbox_id", e.ID,
				"session_id", e.SessionID,
				"attempts", e.Attempts+1,
			)
		}
	}
}

// fetchSummaries returns the text to embed per session: title and summary
// joined, so short titles still contribute to recall.
func (w *Worker) fetchSummaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	rows, err := w.db.Pool().Query(ctx,
		`SELECT id, CONCAT_WS('. ', title, summary)
		 FROM sessions
		 WHERE id = ANY($1) AND summary IS NOT NULL`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("embedding outbox: query sessions: %w", err)
	}
	defer rows.Close()

	summaries := make(map[uuid.UUID]string, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var summary string
		if err := rows.Scan(&id, &summary); err != nil {
			return nil, fmt.Errorf("embedding outbox: scan session: %w", err)
		}
		summaries[id] = summary
	}
	return summaries, rows.Err()
}

// registerMetrics registers observable OTEL gauges for outbox health monitoring.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("kokoro/embedding")

	_, _ = meter.Int64ObservableGauge("kokoro.embedding_outbox.depth",
		metric.WithDescription("Number of pending entries in the embedding outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM embedding_outbox WHERE attempts < $1`, maxOutboxAttempts).Scan(&count)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Attempts); err != nil {
			return nil, fmt.Errorf("embedding outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
