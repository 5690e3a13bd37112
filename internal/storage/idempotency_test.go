package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/storage"
)

func TestIdempotency_ReplayAndMismatch(t *testing.T) {
	ctx := context.Background()
	user := createTestUser(t)
	endpoint := "POST:/api/create-session"
	key := "idem-" + uuid.NewString()

	lookup, err := testDB.BeginIdempotency(ctx, user.ID, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	err = testDB.CompleteIdempotency(ctx, user.ID, endpoint, key, 201, map[string]any{"session_id": "s1"})
	require.NoError(t, err)

	replay, err := testDB.BeginIdempotency(ctx, user.ID, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed)
	assert.Equal(t, 201, replay.StatusCode)
	require.NotEmpty(t, replay.ResponseData)

	_, err = testDB.BeginIdempotency(ctx, user.ID, endpoint, key, "hash-b")
	require.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)
}

func TestIdempotency_ScopedToUser(t *testing.T) {
	ctx := context.Background()
	alice := createTestUser(t)
	bob := createTestUser(t)
	endpoint := "POST:/api/create-session"
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, alice.ID, endpoint, key, "hash-a")
	require.NoError(t, err)

	// Same key from a different user is an independent reservation.
	lookup, err := testDB.BeginIdempotency(ctx, bob.ID, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)
}

func TestIdempotency_StaleInProgressBlocksRetry(t *testing.T) {
	ctx := context.Background()
	user := createTestUser(t)
	endpoint := "POST:/api/resume-session"
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, user.ID, endpoint, key, "hash-a")
	require.NoError(t, err)

	// In-progress key blocks retry regardless of staleness (no takeover).
	_, err = testDB.BeginIdempotency(ctx, user.ID, endpoint, key, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	// Even after the key is artificially aged, it still blocks — the cleanup
	// job must remove it before the retry can proceed.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE idempotency_keys SET updated_at = now() - interval '20 minutes'
		 WHERE user_id = $1 AND endpoint = $2 AND idempotency_key = $3`,
		user.ID, endpoint, key,
	)
	require.NoError(t, err)

	_, err = testDB.BeginIdempotency(ctx, user.ID, endpoint, key, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress, "stale in-progress keys must not be taken over")
}

func TestIdempotency_ClearInProgress(t *testing.T) {
	ctx := context.Background()
	user := createTestUser(t)
	endpoint := "POST:/api/create-session"
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, user.ID, endpoint, key, "hash-a")
	require.NoError(t, err)

	err = testDB.ClearInProgressIdempotency(ctx, user.ID, endpoint, key)
	require.NoError(t, err)

	// The key is free again after the failed attempt was cleared.
	lookup, err := testDB.BeginIdempotency(ctx, user.ID, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)
}

func TestIdempotency_Cleanup(t *testing.T) {
	ctx := context.Background()
	user := createTestUser(t)

	// Seed one old completed key and one old in-progress key.
	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO idempotency_keys (user_id, endpoint, idempotency_key, request_hash, status, status_code, response_data, created_at, updated_at)
		 VALUES
		 ($1, 'POST:/api/create-session', 'old-completed', 'h1', 'completed', 201, '{"ok":true}', now() - interval '10 days', now() - interval '10 days'),
		 ($1, 'POST:/api/create-session', 'old-in-progress', 'h2', 'in_progress', NULL, NULL, now() - interval '3 days', now() - interval '3 days')`,
		user.ID,
	)
	require.NoError(t, err)

	deleted, err := testDB.CleanupIdempotencyKeys(ctx, 7*24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(2))

	var remaining int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM idempotency_keys
		 WHERE user_id = $1 AND idempotency_key IN ('old-completed', 'old-in-progress')`,
		user.ID,
	).Scan(&remaining)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}
