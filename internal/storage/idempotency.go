package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIdempotencyPayloadMismatch means the key was seen before on this
	// (user, endpoint) but with a different request body.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress means another request holds this key right now.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

// IdempotencyLookup is what BeginIdempotency found under the key. Completed
// carries the recorded response for replay; a zero lookup means the caller
// just reserved the key and owns the mutation.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency reserves (userID, endpoint, key) for this request, or
// reports what happened to the request that got there first.
//
// A stale in-progress key is never taken over: we cannot tell a crashed
// holder from a slow one, and taking over a holder whose mutation committed
// would run the mutation twice. Stale keys block retries until the cleanup
// job removes them.
func (db *DB) BeginIdempotency(
	ctx context.Context,
	userID uuid.UUID,
	endpoint, key, requestHash string,
) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (user_id, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		userID, endpoint, key, requestHash,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{}, nil // caller owns processing
	}

	var (
		storedHash   string
		status       string
		statusCode   *int
		responseData []byte
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, response_data
		 FROM idempotency_keys
		 WHERE user_id = $1 AND endpoint = $2 AND idempotency_key = $3`,
		userID, endpoint, key,
	).Scan(&storedHash, &status, &statusCode, &responseData); err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}

	if storedHash != requestHash {
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	}
	if status == "completed" {
		code := 0
		if statusCode != nil {
			code = *statusCode
		}
		return IdempotencyLookup{
			Completed:    true,
			StatusCode:   code,
			ResponseData: responseData,
		}, nil
	}
	return IdempotencyLookup{}, ErrIdempotencyInProgress
}

// CompleteIdempotency marks the key done and records the response a later
// replay of the same request should return.
func (db *DB) CompleteIdempotency(
	ctx context.Context,
	userID uuid.UUID,
	endpoint, key string,
	statusCode int,
	responseData any,
) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed',
		     status_code = $4,
		     response_data = $5::jsonb,
		     updated_at = now()
		 WHERE user_id = $1 AND endpoint = $2 AND idempotency_key = $3
		   AND status = 'in_progress'`,
		userID, endpoint, key, statusCode, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressIdempotency drops a reservation after the mutation failed,
// freeing the key for the client's retry.
func (db *DB) ClearInProgressIdempotency(
	ctx context.Context,
	userID uuid.UUID,
	endpoint, key string,
) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE user_id = $1 AND endpoint = $2 AND idempotency_key = $3
		   AND status = 'in_progress'`,
		userID, endpoint, key,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys deletes completed keys past their retention window
// and in-progress keys whose holder never finished.
func (db *DB) CleanupIdempotencyKeys(
	ctx context.Context,
	completedTTL, inProgressTTL time.Duration,
) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
