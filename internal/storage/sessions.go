package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kokoro/internal/model"
)

// sessionColumns is the scan list shared by all session queries. The
// summary_embedding column is excluded; only the outbox worker and the
// related-sessions query touch it, and both do so explicitly.
const sessionColumns = `id, user_id, room_name, status, started_at, ended_at, duration_seconds,
	 title, summary, key_topics, primary_emotions, stress_indicators,
	 mood_score, engagement_score, breakthrough_moments, word_count, created_at, updated_at`

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	err := row.Scan(
		&s.ID, &s.UserID, &s.RoomName, &s.Status, &s.StartedAt, &s.EndedAt, &s.Duration,
		&s.Title, &s.Summary, &s.KeyTopics, &s.PrimaryEmotions, &s.StressIndicators,
		&s.MoodScore, &s.EngagementScore, &s.BreakthroughMoments, &s.WordCount,
		&s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

func scanSessions(rows pgx.Rows) ([]model.Session, error) {
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CreateSession inserts a new ACTIVE session row for the user.
func (db *DB) CreateSession(ctx context.Context, userID uuid.UUID, roomName string) (model.Session, error) {
	now := time.Now().UTC()
	s := model.Session{
		ID:        uuid.New(),
		UserID:    userID,
		RoomName:  roomName,
		Status:    model.SessionStatusActive,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, room_name, status, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.UserID, s.RoomName, string(s.Status), s.StartedAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: create session: %w", err)
	}
	return s, nil
}

// GetSessionForUser retrieves a session by ID scoped to its owner.
// Returns ErrNotFound for both a missing row and a row owned by someone else.
func (db *DB) GetSessionForUser(ctx context.Context, userID, sessionID uuid.UUID) (model.Session, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND user_id = $2`,
		sessionID, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// GetSessionByRoomName retrieves the most recent session for a room name,
// regardless of status. Used by the transcript webhook, which carries no
// user identity.
func (db *DB) GetSessionByRoomName(ctx context.Context, roomName string) (model.Session, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE room_name = $1
		 ORDER BY started_at DESC
		 LIMIT 1`,
		roomName,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("storage: get session by room name: %w", err)
	}
	return s, nil
}

// DeleteSessionForUser removes a session owned by the user.
// Returns ErrNotFound if the row is absent or owned by someone else.
func (db *DB) DeleteSessionForUser(ctx context.Context, userID, sessionID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND user_id = $2`, sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeSession writes the analysis payload onto an ACTIVE session and
// moves it to the analyzer-reported terminal status. The status check is part
// of the UPDATE itself, so concurrent webhook deliveries for the same room
// serialize at the row: exactly one wins, the rest see finalized=false.
// A row for the summary embedding is enqueued in the same transaction.
func (db *DB) FinalizeSession(
	ctx context.Context,
	sessionID uuid.UUID,
	analysis model.SessionAnalysis,
	durationSeconds int,
	endedAt time.Time,
) (finalized bool, err error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: finalize session: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE sessions
		 SET status = $1,
		     ended_at = $2,
		     duration_seconds = $3,
		     title = $4,
		     summary = $5,
		     key_topics = $6,
		     primary_emotions = $7,
		     stress_indicators = $8,
		     mood_score = $9,
		     engagement_score = $10,
		     breakthrough_moments = $11,
		     word_count = $12,
		     updated_at = now()
		 WHERE id = $13 AND status = 'ACTIVE'`,
		string(analysis.Status), endedAt, durationSeconds,
		analysis.Title, analysis.Summary,
		analysis.KeyTopics, analysis.PrimaryEmotions, analysis.StressIndicators,
		analysis.MoodScore, analysis.EngagementScore,
		analysis.BreakthroughMoments, analysis.WordCount,
		sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: finalize session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil // already finalized by a concurrent delivery
	}

	// Re-finalization after a sweep replaces any stale pending entry.
	if _, err := tx.Exec(ctx,
		`INSERT INTO embedding_outbox (session_id)
		 VALUES ($1)
		 ON CONFLICT (session_id) DO UPDATE
		 SET attempts = 0, last_error = NULL, locked_until = NULL, created_at = now()`,
		sessionID,
	); err != nil {
		return false, fmt.Errorf("storage: enqueue embedding: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: finalize session: commit: %w", err)
	}
	return true, nil
}

// MarkSessionError moves an ACTIVE session to ERROR with an end time, leaving
// analysis fields untouched. Used when finalization fails partway; conditional
// on ACTIVE so it never clobbers a concurrent successful finalization.
func (db *DB) MarkSessionError(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, durationSeconds *int) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = 'ERROR', ended_at = $1, duration_seconds = $2, updated_at = now()
		 WHERE id = $3 AND status = 'ACTIVE'`,
		endedAt, durationSeconds, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark session error: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListUserSessions returns a page of the user's sessions ordered newest-first,
// along with the total count across all pages.
func (db *DB) ListUserSessions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Session, int, error) {
	if limit <= 0 {
		limit = 20
	}

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}

	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// ListCompletedSessions returns all of the user's COMPLETED sessions in
// chronological order. Feeds the progress insights computation, which needs
// encounter order for trend and tie-breaking semantics.
func (db *DB) ListCompletedSessions(ctx context.Context, userID uuid.UUID) ([]model.Session, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND status = 'COMPLETED'
		 ORDER BY started_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list completed sessions: %w", err)
	}
	return scanSessions(rows)
}

// ListRecentCompletedSessions returns the user's most recent COMPLETED
// sessions, newest first.
func (db *DB) ListRecentCompletedSessions(ctx context.Context, userID uuid.UUID, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND status = 'COMPLETED'
		 ORDER BY started_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent sessions: %w", err)
	}
	return scanSessions(rows)
}

// ListStaleActiveSessions returns ACTIVE sessions that started before the
// cutoff, oldest first. The reconciliation sweep uses this to find sessions
// whose webhook never arrived.
func (db *DB) ListStaleActiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = 'ACTIVE' AND started_at < $1
		 ORDER BY started_at ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale sessions: %w", err)
	}
	return scanSessions(rows)
}

// UpdateSessionEmbedding stores the summary embedding for a session.
// Called by the embedding outbox worker.
func (db *DB) UpdateSessionEmbedding(ctx context.Context, sessionID uuid.UUID, embedding pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sessions SET summary_embedding = $1, updated_at = now() WHERE id = $2`,
		embedding, sessionID,
	)
	if err != nil {
		return fmt.Errorf("storage: update session embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RelatedSession pairs a session with its cosine distance from a reference
// session's summary embedding. Lower distance means more similar.
type RelatedSession struct {
	Session  model.Session
	Distance float64
}

// ListRelatedSessions finds the user's completed sessions most similar to the
// given session by summary embedding. Returns ErrNotFound if the reference
// session does not exist or is not owned by the user; returns an empty slice
// if its embedding has not been computed yet.
func (db *DB) ListRelatedSessions(ctx context.Context, userID, sessionID uuid.UUID, limit int) ([]RelatedSession, error) {
	if limit <= 0 {
		limit = 5
	}

	var ref *pgvector.Vector
	err := db.pool.QueryRow(ctx,
		`SELECT summary_embedding FROM sessions WHERE id = $1 AND user_id = $2`,
		sessionID, userID,
	).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get reference embedding: %w", err)
	}
	if ref == nil {
		return nil, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+`, summary_embedding <=> $1 AS distance
		 FROM sessions
		 WHERE user_id = $2 AND id <> $3 AND status = 'COMPLETED'
		   AND summary_embedding IS NOT NULL
		 ORDER BY distance ASC
		 LIMIT $4`,
		*ref, userID, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list related sessions: %w", err)
	}
	defer rows.Close()

	var related []RelatedSession
	for rows.Next() {
		var rs RelatedSession
		s := &rs.Session
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.RoomName, &s.Status, &s.StartedAt, &s.EndedAt, &s.Duration,
			&s.Title, &s.Summary, &s.KeyTopics, &s.PrimaryEmotions, &s.StressIndicators,
			&s.MoodScore, &s.EngagementScore, &s.BreakthroughMoments, &s.WordCount,
			&s.CreatedAt, &s.UpdatedAt, &rs.Distance,
		); err != nil {
			return nil, fmt.Errorf("storage: scan related session: %w", err)
		}
		related = append(related, rs)
	}
	return related, rows.Err()
}

// SearchSessionsByEmbedding finds the user's completed sessions closest to a
// free-text query embedding by cosine distance. Sessions whose embedding has
// not been computed yet are skipped.
func (db *DB) SearchSessionsByEmbedding(ctx context.Context, userID uuid.UUID, query pgvector.Vector, limit int) ([]RelatedSession, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+`, summary_embedding <=> $1 AS distance
		 FROM sessions
		 WHERE user_id = $2 AND status = 'COMPLETED'
		   AND summary_embedding IS NOT NULL
		 ORDER BY distance ASC
		 LIMIT $3`,
		query, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search sessions: %w", err)
	}
	defer rows.Close()

	var results []RelatedSession
	for rows.Next() {
		var rs RelatedSession
		s := &rs.Session
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.RoomName, &s.Status, &s.StartedAt, &s.EndedAt, &s.Duration,
			&s.Title, &s.Summary, &s.KeyTopics, &s.PrimaryEmotions, &s.StressIndicators,
			&s.MoodScore, &s.EngagementScore, &s.BreakthroughMoments, &s.WordCount,
			&s.CreatedAt, &s.UpdatedAt, &rs.Distance,
		); err != nil {
			return nil, fmt.Errorf("storage: scan session search result: %w", err)
		}
		results = append(results, rs)
	}
	return results, rows.Err()
}
