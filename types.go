package kokoro

import (
	"time"

	"github.com/google/uuid"
)

// Session status values as they appear in Session.Status.
const (
	StatusActive    = "ACTIVE"
	StatusCompleted = "COMPLETED"
	StatusError     = "ERROR"
)

// Session is the public representation of a conversational session.
// It is a curated view of the internal session row for use in extension
// interfaces. No internal package imports — safe to use from outside the module.
type Session struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	RoomName string
	Status   string // ACTIVE | COMPLETED | ERROR

	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int

	// Analysis payload, populated only once the session is terminal.
	Title               *string
	Summary             *string
	KeyTopics           []string
	PrimaryEmotions     []string
	MoodScore           *float64 // 1-10
	EngagementScore     *float64 // 1-10
	StressIndicators    []string
	BreakthroughMoments *string
	WordCount           *int

	CreatedAt time.Time
}

// Analysis is the structured result of analyzing one session transcript,
// as returned by an external Analyzer.
type Analysis struct {
	Title               string
	Summary             string
	KeyTopics           []string
	PrimaryEmotions     []string
	MoodScore           float64 // 1-10, clamped before persisting
	EngagementScore     float64 // 1-10, clamped before persisting
	StressIndicators    []string
	BreakthroughMoments *string
	WordCount           int

	// Failed marks an analysis produced from a fallback after the provider
	// was exhausted. The session still finalizes, tagged ERROR instead of
	// COMPLETED.
	Failed bool
}
