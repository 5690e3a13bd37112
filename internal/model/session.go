// Package model defines the core domain types for Kokoro.
//
// All types correspond directly to database tables or wire payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// SessionStatus represents the lifecycle state of a session.
// ACTIVE is the only non-terminal state.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "ACTIVE"
	SessionStatusCompleted SessionStatus = "COMPLETED"
	SessionStatusError     SessionStatus = "ERROR"
)

// IsTerminal reports whether the status permits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusError
}

// Session is one bounded conversational encounter between a user and the
// voice assistant, tracked from creation to finalization. The analysis
// payload is entirely absent while ACTIVE and entirely present once the
// session reaches a terminal status.
type Session struct {
	ID       uuid.UUID     `json:"id"`
	UserID   uuid.UUID     `json:"user_id"`
	RoomName string        `json:"room_name"`
	Status   SessionStatus `json:"status"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  *int       `json:"duration,omitempty"` // seconds, set at finalization

	// Analysis payload, populated only at finalization.
	Title               *string  `json:"title,omitempty"`
	Summary             *string  `json:"summary,omitempty"`
	KeyTopics           []string `json:"key_topics,omitempty"`
	PrimaryEmotions     []string `json:"primary_emotions,omitempty"`
	MoodScore           *float64 `json:"mood_score,omitempty"`       // 1-10
	EngagementScore     *float64 `json:"engagement_score,omitempty"` // 1-10
	StressIndicators    []string `json:"stress_indicators,omitempty"`
	BreakthroughMoments *string  `json:"breakthrough_moments,omitempty"`
	WordCount           *int     `json:"word_count,omitempty"`

	// SummaryEmbedding is filled asynchronously by the embedding outbox
	// worker after finalization. Never serialized to API clients.
	SummaryEmbedding *pgvector.Vector `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionAnalysis is the structured result the analyzer produces from a
// transcript. Status records whether the provider succeeded (COMPLETED) or
// the default fallback was used after exhausted retries (ERROR).
type SessionAnalysis struct {
	Title               string        `json:"title"`
	Summary             string        `json:"summary"`
	KeyTopics           []string      `json:"key_topics"`
	PrimaryEmotions     []string      `json:"primary_emotions"`
	MoodScore           float64       `json:"mood_score"`
	EngagementScore     float64       `json:"engagement_score"`
	StressIndicators    []string      `json:"stress_indicators"`
	BreakthroughMoments *string       `json:"breakthrough_moments,omitempty"`
	WordCount           int           `json:"word_count"`
	Status              SessionStatus `json:"status"`
}

// RoomMetadata is the context blob attached to a room at creation or
// resumption and read by the agent at join time. It has no persistence of
// its own; its durable counterpart is the session row it was derived from.
// Prior-context fields are null on a fresh session.
type RoomMetadata struct {
	UserID          string   `json:"user_id"`
	UserName        string   `json:"user_name"`
	SessionID       string   `json:"session_id"`
	Summary         *string  `json:"summary"`
	KeyTopics       []string `json:"key_topics"`
	PrimaryEmotions []string `json:"primary_emotions"`
}

// HasPriorContext reports whether the metadata carries context from a
// previous session (set when resuming).
func (m RoomMetadata) HasPriorContext() bool {
	return m.Summary != nil || len(m.KeyTopics) > 0 || len(m.PrimaryEmotions) > 0
}

// RoomNamePrefix is the shared prefix for all session rooms. Room names are
// derived as prefix + user id + millisecond timestamp so that concurrent
// sessions for the same user never collide.
const RoomNamePrefix = "emotional_guidance_"

// DeriveRoomName builds the room name for a new session.
func DeriveRoomName(userID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("%s%s_%d", RoomNamePrefix, userID, now.UnixMilli())
}

// Mood and engagement scores are clamped to this range before persisting,
// matching the analyzer contract.
const (
	ScoreMin = 1.0
	ScoreMax = 10.0
)

// ClampScore forces a score into the valid 1-10 range.
func ClampScore(v float64) float64 {
	if v < ScoreMin {
		return ScoreMin
	}
	if v > ScoreMax {
		return ScoreMax
	}
	return v
}
