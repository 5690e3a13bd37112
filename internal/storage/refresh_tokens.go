package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kokoro/internal/model"
)

// CreateRefreshToken stores the hash of a newly issued refresh token.
func (db *DB) CreateRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) (model.RefreshToken, error) {
	rt := model.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rt.ID, rt.UserID, rt.TokenHash, rt.ExpiresAt, rt.CreatedAt,
	)
	if err != nil {
		return model.RefreshToken{}, fmt.Errorf("storage: create refresh token: %w", err)
	}
	return rt, nil
}

// GetRefreshTokenByHash looks up a refresh token by its stored hash.
func (db *DB) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (model.RefreshToken, error) {
	var rt model.RefreshToken
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, expires_at, created_at, revoked_at
		 FROM refresh_tokens WHERE token_hash = $1`, tokenHash,
	).Scan(&rt.ID, &rt.UserID, &rt.TokenHash, &rt.ExpiresAt, &rt.CreatedAt, &rt.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RefreshToken{}, ErrNotFound
		}
		return model.RefreshToken{}, fmt.Errorf("storage: get refresh token: %w", err)
	}
	return rt, nil
}

// RevokeRefreshToken marks a single token revoked. Revoking an already-revoked
// token is a no-op so rotation retries stay idempotent.
func (db *DB) RevokeRefreshToken(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke refresh token: %w", err)
	}
	return nil
}

// RevokeUserRefreshTokens revokes every live token for a user (signout everywhere).
func (db *DB) RevokeUserRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: revoke user refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredRefreshTokens removes tokens that expired or were revoked more
// than the retention window ago. Returns the number of rows deleted.
func (db *DB) DeleteExpiredRefreshTokens(ctx context.Context, retainFor time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM refresh_tokens
		 WHERE expires_at < now() - ($1 * interval '1 microsecond')
		    OR (revoked_at IS NOT NULL AND revoked_at < now() - ($1 * interval '1 microsecond'))`,
		retainFor.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
