package mcp

import (
	"github.com/ashita-ai/kokoro/internal/model"
)

const maxCompactText = 280

// compactSession returns a minimal representation of a session for MCP
// responses. Drops internal bookkeeping (room name, embedding, word count)
// that assistants don't act on; analysis fields appear only once populated.
func compactSession(s model.Session) map[string]any {
	m := map[string]any{
		"id":         s.ID,
		"status":     s.Status,
		"started_at": s.StartedAt,
	}
	if s.Duration != nil {
		m["duration_seconds"] = *s.Duration
	}
	if s.Title != nil && *s.Title != "" {
		m["title"] = *s.Title
	}
	if s.Summary != nil && *s.Summary != "" {
		m["summary"] = truncate(*s.Summary, maxCompactText)
	}
	if len(s.KeyTopics) > 0 {
		m["key_topics"] = s.KeyTopics
	}
	if len(s.PrimaryEmotions) > 0 {
		m["primary_emotions"] = s.PrimaryEmotions
	}
	if s.MoodScore != nil {
		m["mood_score"] = *s.MoodScore
	}
	if s.EngagementScore != nil {
		m["engagement_score"] = *s.EngagementScore
	}
	if len(s.StressIndicators) > 0 {
		m["stress_indicators"] = s.StressIndicators
	}
	if s.BreakthroughMoments != nil && *s.BreakthroughMoments != "" {
		m["breakthrough_moments"] = truncate(*s.BreakthroughMoments, maxCompactText)
	}
	return m
}

// compactSessions maps compactSession over a slice. Returns an empty slice
// rather than nil so JSON output is [] instead of null.
func compactSessions(sessions []model.Session) []map[string]any {
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, compactSession(s))
	}
	return out
}

// truncate shortens s to at most maxLen runes, appending "..." when cut.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
