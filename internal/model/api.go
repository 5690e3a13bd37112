package model

import (
	"time"

	"github.com/google/uuid"
)

// Field length limits on caller-controlled text. The transcript cap bounds
// analyzer prompt size and Postgres TEXT growth from a single webhook.
const (
	MaxEmailLen      = 254
	MaxNameLen       = 200
	MaxTranscriptLen = 512 * 1024 // 512 KB
	MaxRoomNameLen   = 256
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// SignupRequest is the request body for POST /auth/signup.
type SignupRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Name     *string `json:"name,omitempty"`
}

// SigninRequest is the request body for POST /auth/signin.
type SigninRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupResponse is the response body for POST /auth/signup.
type SignupResponse struct {
	UserID uuid.UUID `json:"user_id"`
}

// RefreshRequest is the request body for POST /auth/refresh and
// POST /auth/signout. Browser clients may omit it; the refresh token is then
// read from its cookie.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// AuthTokens is the issued credential pair. The same values are also set as
// HTTP-only cookies for browser clients.
type AuthTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// CreateSessionResponse is the triple returned by session creation and
// resumption: everything a client needs to join the room.
type CreateSessionResponse struct {
	RoomName  string    `json:"room_name"`
	Token     string    `json:"token"`
	SessionID uuid.UUID `json:"session_id"`
}

// ResumeSessionRequest is the request body for POST /api/resume-session.
type ResumeSessionRequest struct {
	SessionID uuid.UUID `json:"session_id"`
}

// DeleteSessionRequest is the request body for DELETE /api/delete-session.
type DeleteSessionRequest struct {
	SessionID uuid.UUID `json:"session_id"`
}

// TranscriptWebhook is the payload the agent posts at room teardown.
type TranscriptWebhook struct {
	RoomName        string `json:"room_name"`
	Transcript      string `json:"transcript"`
	DurationSeconds int    `json:"duration_seconds"`
}

// WebhookResult is the webhook response body.
type WebhookResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// MonthGroup is one calendar month of sessions in a listing page. Key is
// "2026-01"; Label is "January 2026".
type MonthGroup struct {
	Key      string    `json:"month"`
	Label    string    `json:"label"`
	Sessions []Session `json:"sessions"`
}

// Pagination describes the flat (pre-grouping) session set backing a page.
type Pagination struct {
	Page          int  `json:"page"`
	PageSize      int  `json:"page_size"`
	TotalSessions int  `json:"total_sessions"`
	TotalPages    int  `json:"total_pages"`
	HasNext       bool `json:"has_next"`
	HasPrev       bool `json:"has_prev"`
}

// SessionsPage is the response for GET /api/user-sessions: one page of
// sessions, newest first, grouped by start month after pagination.
type SessionsPage struct {
	Months     []MonthGroup `json:"months"`
	Pagination Pagination   `json:"pagination"`
}

// ValueCount is a (value, occurrence count) pair for frequency rankings.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// ProgressInsights is the response for GET /api/analytics/progress.
// MoodTrend is nil until at least four completed sessions carry mood scores.
type ProgressInsights struct {
	TotalSessions   int          `json:"total_sessions"`
	AverageMood     *float64     `json:"average_mood,omitempty"`
	MoodTrend       *float64     `json:"mood_trend,omitempty"`
	TopTopics       []ValueCount `json:"top_topics"`
	TopEmotions     []ValueCount `json:"top_emotions"`
	RecentSessions  []Session    `json:"recent_sessions"`
}

// RelatedSession pairs a session with its embedding distance to the query
// session (smaller is more similar).
type RelatedSession struct {
	Session  Session `json:"session"`
	Distance float64 `json:"distance"`
}
