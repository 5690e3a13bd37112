package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes worth retrying. Finalization's UPDATE+INSERT
// transaction, the sweep's bulk terminalization, and the outbox worker's
// claim cycle all lock session rows in different orders, so occasional
// deadlocks are expected under load.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

// WithRetry runs fn and retries it on serialization failures and deadlocks,
// up to maxRetries additional attempts with jittered doubling backoff. Any
// other error, including success on a later attempt, is returned as is.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isRetriable(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
