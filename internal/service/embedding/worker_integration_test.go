package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/testutil"
)

var (
	testDB     *storage.DB
	testLogger *slog.Logger
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	testLogger = testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// fakeProvider records EmbedBatch calls and returns fixed vectors or an error.
type fakeProvider struct {
	mu    sync.Mutex
	err   error
	calls [][]string
}

func (f *fakeProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	f.mu.Lock()
	f.calls = append(f.calls, texts)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		v := make([]float32, 768)
		v[0] = float32(i + 1)
		vecs[i] = pgvector.NewVector(v)
	}
	return vecs, nil
}

func (f *fakeProvider) Dimensions() int { return 768 }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProvider) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func newTestWorker(p Provider) *Worker {
	return NewWorker(testDB, p, testLogger, 100*time.Millisecond, 50)
}

// cleanOutbox removes all entries so tests do not see each other's work.
func cleanOutbox(ctx context.Context, t *testing.T) {
	t.Helper()
	_, err := testDB.Pool().Exec(ctx, `DELETE FROM embedding_outbox`)
	require.NoError(t, err)
}

// seedFinalizedSession creates a user and a finalized session with the given
// summary, which enqueues an embedding_outbox entry.
func seedFinalizedSession(ctx context.Context, t *testing.T, summary string) uuid.UUID {
	t.Helper()
	user, err := testDB.CreateUser(ctx, fmt.Sprintf("worker-%s@example.com", uuid.NewString()[:8]), nil, "hash")
	require.NoError(t, err)
	session, err := testDB.CreateSession(ctx, user.ID, model.DeriveRoomName(user.ID, time.Now()))
	require.NoError(t, err)

	finalized, err := testDB.FinalizeSession(ctx, session.ID, model.SessionAnalysis{
		Title:           "Session",
		Summary:         summary,
		KeyTopics:       []string{"topic"},
		PrimaryEmotions: []string{"calm"},
		MoodScore:       6,
		EngagementScore: 7,
		WordCount:       10,
		Status:          model.SessionStatusCompleted,
	}, 120, time.Now())
	require.NoError(t, err)
	require.True(t, finalized)
	return session.ID
}

func getOutboxEntry(ctx context.Context, t *testing.T, sessionID uuid.UUID) (attempts int, lastError *string, lockedUntil *time.Time) {
	t.Helper()
	err := testDB.Pool().QueryRow(ctx,
		`SELECT attempts, last_error, locked_until FROM embedding_outbox WHERE session_id = $1`, sessionID,
	).Scan(&attempts, &lastError, &lockedUntil)
	require.NoError(t, err)
	return
}

func outboxEntryExists(ctx context.Context, t *testing.T, sessionID uuid.UUID) bool {
	t.Helper()
	var exists bool
	err := testDB.Pool().QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM embedding_outbox WHERE session_id = $1)`, sessionID,
	).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func sessionHasEmbedding(ctx context.Context, t *testing.T, sessionID uuid.UUID) bool {
	t.Helper()
	var has bool
	err := testDB.Pool().QueryRow(ctx,
		`SELECT summary_embedding IS NOT NULL FROM sessions WHERE id = $1`, sessionID,
	).Scan(&has)
	require.NoError(t, err)
	return has
}

func TestMaxOutboxAttempts(t *testing.T) {
	// Verify the dead-letter threshold is set to a reasonable value.
	assert.Equal(t, 10, maxOutboxAttempts)
}

func TestWorkerProcessBatchEmbedsSummary(t *testing.T) {
	ctx := context.Background()
	cleanOutbox(ctx, t)

	sessionID := seedFinalizedSession(ctx, t, "You reflected on a stressful week.")
	require.True(t, outboxEntryExists(ctx, t, sessionID))

	provider := &fakeProvider{}
	w := newTestWorker(provider)
	w.processBatch(ctx)

	assert.Equal(t, 1, provider.callCount())
	require.Len(t, provider.lastCall(), 1)
	assert.Equal(t, "Session. You reflected on a stressful week.", provider.lastCall()[0],
		"embedded text joins title and summary")
	assert.False(t, outboxEntryExists(ctx, t, sessionID))
	assert.True(t, sessionHasEmbedding(ctx, t, sessionID))
}

func TestWorkerProviderFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	cleanOutbox(ctx, t)

	sessionID := seedFinalizedSession(ctx, t, "A summary that will fail to embed.")

	provider := &fakeProvider{err: errors.New("provider down")}
	w := newTestWorker(provider)
	w.processBatch(ctx)

	require.True(t, outboxEntryExists(ctx, t, sessionID))
	attempts, lastError, lockedUntil := getOutboxEntry(ctx, t, sessionID)
	assert.Equal(t, 1, attempts)
	require.NotNil(t, lastError)
	assert.Contains(t, *lastError, "provider down")
	require.NotNil(t, lockedUntil)
	assert.True(t, lockedUntil.After(time.Now()), "failed entry must be backed off into the future")
	assert.False(t, sessionHasEmbedding(ctx, t, sessionID))
}

func TestWorkerSkipsEntryWithoutSummary(t *testing.T) {
	ctx := context.Background()
	cleanOutbox(ctx, t)

	// A session marked ERROR after a finalize failure has no analysis payload;
	// if an entry for it ever appears it must be dropped, not retried.
	user, err := testDB.CreateUser(ctx, fmt.Sprintf("worker-%s@example.com", uuid.NewString()[:8]), nil, "hash")
	require.NoError(t, err)
	session, err := testDB.CreateSession(ctx, user.ID, model.DeriveRoomName(user.ID, time.Now()))
	require.NoError(t, err)
	marked, err := testDB.MarkSessionError(ctx, session.ID, time.Now(), nil)
	require.NoError(t, err)
	require.True(t, marked)

	_, err = testDB.Pool().Exec(ctx,
		`INSERT INTO embedding_outbox (session_id) VALUES ($1)`, session.ID)
	require.NoError(t, err)

	provider := &fakeProvider{}
	w := newTestWorker(provider)
	w.processBatch(ctx)

	assert.Equal(t, 0, provider.callCount(), "no summary means nothing to embed")
	assert.False(t, outboxEntryExists(ctx, t, session.ID))
}

func TestWorkerSkipsLockedEntries(t *testing.T) {
	ctx := context.Background()
	cleanOutbox(ctx, t)

	sessionID := seedFinalizedSession(ctx, t, "Locked by another worker.")
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE embedding_outbox SET locked_until = now() + interval '60 seconds' WHERE session_id = $1`,
		sessionID)
	require.NoError(t, err)

	provider := &fakeProvider{}
	w := newTestWorker(provider)
	w.processBatch(ctx)

	assert.Equal(t, 0, provider.callCount())
	require.True(t, outboxEntryExists(ctx, t, sessionID))
	attempts, _, _ := getOutboxEntry(ctx, t, sessionID)
	assert.Equal(t, 0, attempts)
}

func TestWorkerSkipsMaxAttemptsEntries(t *testing.T) {
	ctx := context.Background()
	cleanOutbox(ctx, t)

	sessionID := seedFinalizedSession(ctx, t, "Exhausted entry.")
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE embedding_outbox SET attempts = $1, locked_until = NULL WHERE session_id = $2`,
		maxOutboxAttempts, sessionID)
	require.NoError(t, err)

	provider := &fakeProvider{}
	w := newTestWorker(provider)
	w.processBatch(ctx)

	assert.Equal(t, 0, provider.callCount())
	assert.True(t, outboxEntryExists(ctx, t, sessionID), "dead-letter entries stay until cleanup")
}

func TestWorkerCleanupDeadLetters(t *testing.T) {
	ctx := context.Background()
	cleanOutbox(ctx, t)

	sessionID := seedFinalizedSession(ctx, t, "Ancient dead letter.")
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE embedding_outbox
		 SET attempts = $1, created_at = now() - interval '8 days'
		 WHERE session_id = $2`,
		maxOutboxAttempts, sessionID)
	require.NoError(t, err)

	w := newTestWorker(&fakeProvider{})
	w.cleanupDeadLetters(ctx)

	assert.False(t, outboxEntryExists(ctx, t, sessionID))
}

func TestWorkerFullCycle(t *testing.T) {
	ctx := context.Background()
	cleanOutbox(ctx, t)

	sessionID := seedFinalizedSession(ctx, t, "End to end embedding run.")

	provider := &fakeProvider{}
	w := newTestWorker(provider)
	w.Start(ctx)

	// Plain queries here: the Eventually condition runs off the test goroutine,
	// where require must not be called.
	assert.Eventually(t, func() bool {
		var pending bool
		if err := testDB.Pool().QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM embedding_outbox WHERE session_id = $1)`, sessionID,
		).Scan(&pending); err != nil || pending {
			return false
		}
		var embedded bool
		if err := testDB.Pool().QueryRow(ctx,
			`SELECT summary_embedding IS NOT NULL FROM sessions WHERE id = $1`, sessionID,
		).Scan(&embedded); err != nil {
			return false
		}
		return embedded
	}, 10*time.Second, 100*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Drain(drainCtx)
}
