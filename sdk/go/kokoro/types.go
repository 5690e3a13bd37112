package kokoro

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a voice session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionError     SessionStatus = "ERROR"
)

// User is the account profile returned by Me and embedded in AuthTokens.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      *string   `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session mirrors the server's session record for API consumers.
// Analysis fields are nil until the session is finalized; the summary
// embedding is internal to the server and never serialized.
type Session struct {
	ID       uuid.UUID     `json:"id"`
	UserID   uuid.UUID     `json:"user_id"`
	RoomName string        `json:"room_name"`
	Status   SessionStatus `json:"status"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  *int       `json:"duration,omitempty"` // seconds, set at finalization

	Title               *string  `json:"title,omitempty"`
	Summary             *string  `json:"summary,omitempty"`
	KeyTopics           []string `json:"key_topics,omitempty"`
	PrimaryEmotions     []string `json:"primary_emotions,omitempty"`
	MoodScore           *float64 `json:"mood_score,omitempty"`       // 1-10
	EngagementScore     *float64 `json:"engagement_score,omitempty"` // 1-10
	StressIndicators    []string `json:"stress_indicators,omitempty"`
	BreakthroughMoments *string  `json:"breakthrough_moments,omitempty"`
	WordCount           *int     `json:"word_count,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuthTokens is the token pair issued by signin and refresh.
type AuthTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// --- Request types ---

// SignupRequest is the input for Client.Signup.
type SignupRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Name     *string `json:"name,omitempty"`
}

// SessionMutationOptions carries optional per-request settings for
// CreateSession and ResumeSession.
type SessionMutationOptions struct {
	// IdempotencyKey makes the mutation retry-safe: a retry with the same
	// key replays the original result instead of provisioning a new room.
	// Reusing a key with a different payload fails with a 409.
	IdempotencyKey string
}

// SessionListOptions controls pagination for UserSessions.
// Zero values fall back to the server defaults (page 1, 20 per page).
type SessionListOptions struct {
	Page     int
	PageSize int
}

// --- Response types ---

// SignupResult is the output of Client.Signup.
type SignupResult struct {
	UserID uuid.UUID `json:"user_id"`
}

// CreateSessionResult holds everything a voice client needs to join the
// provisioned room: the room name, a short-lived join token, and the
// session row tracking the conversation.
type CreateSessionResult struct {
	RoomName  string    `json:"room_name"`
	Token     string    `json:"token"`
	SessionID uuid.UUID `json:"session_id"`
}

// MonthGroup is a month bucket in the session history, newest first.
type MonthGroup struct {
	Month    string    `json:"month"` // "2026-01"
	Label    string    `json:"label"` // "January 2026"
	Sessions []Session `json:"sessions"`
}

// Pagination describes the page window of a session listing.
type Pagination struct {
	Page          int  `json:"page"`
	PageSize      int  `json:"page_size"`
	TotalSessions int  `json:"total_sessions"`
	TotalPages    int  `json:"total_pages"`
	HasNext       bool `json:"has_next"`
	HasPrev       bool `json:"has_prev"`
}

// SessionsPage is one page of the caller's session history grouped by month.
type SessionsPage struct {
	Months     []MonthGroup `json:"months"`
	Pagination Pagination   `json:"pagination"`
}

// ValueCount is a ranked value with its occurrence count.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// ProgressInsights aggregates analysis results across the caller's
// completed sessions. AverageMood and MoodTrend are nil when too few
// sessions carry mood scores.
type ProgressInsights struct {
	TotalSessions  int          `json:"total_sessions"`
	AverageMood    *float64     `json:"average_mood,omitempty"`
	MoodTrend      *float64     `json:"mood_trend,omitempty"`
	TopTopics      []ValueCount `json:"top_topics"`
	TopEmotions    []ValueCount `json:"top_emotions"`
	RecentSessions []Session    `json:"recent_sessions"`
}

// RelatedSession is a session semantically close to a reference session.
// Distance is the cosine distance between summary embeddings; smaller
// means more similar.
type RelatedSession struct {
	Session  Session `json:"session"`
	Distance float64 `json:"distance"`
}

// HealthResponse is the server health report.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
