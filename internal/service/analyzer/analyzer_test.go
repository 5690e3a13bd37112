package analyzer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/model"
)

const validAnalysisJSON = `{
  "title": "Managing a stressful week",
  "summary": "You talked through the pressure of a looming deadline and how it has been affecting your sleep.",
  "key_topics": ["work deadlines", "sleep"],
  "primary_emotions": ["anxious", "hopeful"],
  "mood_score": 6.5,
  "engagement_score": 8,
  "stress_indicators": ["mentions of poor sleep"],
  "breakthrough_moments": "You recognized that asking for help is an option."
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chatBody wraps assistant message content in a chat completion response.
func chatBody(content string) []byte {
	resp := map[string]any{
		"id":     "chatcmpl-test",
		"object": "chat.completion",
		"model":  "gpt-4o-mini",
		"choices": []map[string]any{
			{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			},
		},
	}
	b, err := json.Marshal(resp)
	if err != nil {
		panic(err)
	}
	return b
}

type capturedChatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestAnalyzer(t *testing.T, maxAttempts int, handler http.HandlerFunc) *OpenAIAnalyzer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIAnalyzer("test-key", srv.URL, "gpt-4o-mini", maxAttempts, discardLogger())
}

func TestAnalyzeSuccess(t *testing.T) {
	var lastPath, lastAuth string
	var gotReq capturedChatRequest
	a := newTestAnalyzer(t, 3, func(w http.ResponseWriter, r *http.Request) {
		lastPath = r.URL.Path
		lastAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(chatBody(validAnalysisJSON))
	})

	transcript := "User: I have been stressed.\nAssistant: Tell me more about that."
	got, err := a.Analyze(t.Context(), transcript, 300)
	require.NoError(t, err)

	assert.Equal(t, "/chat/completions", lastPath)
	assert.Equal(t, "Bearer test-key", lastAuth)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Contains(t, gotReq.Messages[0].Content, "second person")
	assert.Equal(t, "user", gotReq.Messages[1].Role)
	assert.Contains(t, gotReq.Messages[1].Content, "lasted 300 seconds")
	assert.Contains(t, gotReq.Messages[1].Content, transcript)

	assert.Equal(t, "Managing a stressful week", got.Title)
	assert.Contains(t, got.Summary, "You talked through")
	assert.Equal(t, []string{"work deadlines", "sleep"}, got.KeyTopics)
	assert.Equal(t, []string{"anxious", "hopeful"}, got.PrimaryEmotions)
	assert.InDelta(t, 6.5, got.MoodScore, 0.001)
	assert.InDelta(t, 8.0, got.EngagementScore, 0.001)
	assert.Equal(t, []string{"mentions of poor sleep"}, got.StressIndicators)
	require.NotNil(t, got.BreakthroughMoments)
	assert.Contains(t, *got.BreakthroughMoments, "asking for help")
	assert.Equal(t, 11, got.WordCount, "word count comes from the transcript, not the model")
	assert.Equal(t, model.SessionStatusCompleted, got.Status)
}

func TestAnalyzeStripsCodeFences(t *testing.T) {
	a := newTestAnalyzer(t, 1, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(chatBody("```json\n" + validAnalysisJSON + "\n```"))
	})

	got, err := a.Analyze(t.Context(), "User: hello", 60)
	require.NoError(t, err)
	assert.Equal(t, "Managing a stressful week", got.Title)
	assert.Equal(t, model.SessionStatusCompleted, got.Status)
}

func TestAnalyzeClampsScores(t *testing.T) {
	a := newTestAnalyzer(t, 1, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(chatBody(`{"title": "T", "summary": "You talked.", "mood_score": 15, "engagement_score": 0.2}`))
	})

	got, err := a.Analyze(t.Context(), "User: hello", 60)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got.MoodScore, 0.001)
	assert.InDelta(t, 1.0, got.EngagementScore, 0.001)
}

func TestAnalyzeRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	a := newTestAnalyzer(t, 3, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error": {"message": "upstream overloaded"}}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(chatBody(validAnalysisJSON))
	})

	start := time.Now()
	got, err := a.Analyze(t.Context(), "User: hello", 60)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, model.SessionStatusCompleted, got.Status)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "second attempt waits before retrying")
}

func TestAnalyzeExhaustedReturnsDefault(t *testing.T) {
	a := newTestAnalyzer(t, 1, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"message": "upstream overloaded"}}`, http.StatusInternalServerError)
	})

	got, err := a.Analyze(t.Context(), "one two three four five", 60)
	require.NoError(t, err, "exhausted retries degrade to a default payload, not an error")
	assert.Equal(t, model.SessionStatusError, got.Status)
	assert.True(t, strings.HasPrefix(got.Title, "Session "), "default title is a timestamp: %q", got.Title)
	assert.NotEmpty(t, got.Summary)
	assert.Equal(t, []string{"general discussion"}, got.KeyTopics)
	assert.Equal(t, []string{"neutral"}, got.PrimaryEmotions)
	assert.InDelta(t, 5.0, got.MoodScore, 0.001)
	assert.InDelta(t, 5.0, got.EngagementScore, 0.001)
	assert.Empty(t, got.StressIndicators)
	assert.Equal(t, 5, got.WordCount)
	assert.Nil(t, got.BreakthroughMoments)
}

func TestAnalyzeEmptyChoicesIsFailedAttempt(t *testing.T) {
	var calls atomic.Int32
	a := newTestAnalyzer(t, 2, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"id": "chatcmpl-test", "object": "chat.completion", "choices": []}`))
	})

	got, err := a.Analyze(t.Context(), "User: hello", 60)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "empty choices consumes an attempt")
	assert.Equal(t, model.SessionStatusError, got.Status)
}

func TestAnalyzeUnparsableContentIsFailedAttempt(t *testing.T) {
	a := newTestAnalyzer(t, 1, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(chatBody("Sorry, I cannot help with that."))
	})

	got, err := a.Analyze(t.Context(), "User: hello", 60)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusError, got.Status)
}

func TestAnalyzeMissingFieldsIsFailedAttempt(t *testing.T) {
	a := newTestAnalyzer(t, 1, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(chatBody(`{"title": "", "summary": "You talked."}`))
	})

	got, err := a.Analyze(t.Context(), "User: hello", 60)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusError, got.Status)
}

func TestAnalyzeContextCanceled(t *testing.T) {
	a := newTestAnalyzer(t, 3, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(chatBody(validAnalysisJSON))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Analyze(ctx, "User: hello", 60)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultAnalysis(t *testing.T) {
	now := time.Date(2026, time.August, 23, 10, 0, 0, 0, time.UTC)
	got := DefaultAnalysis("  hello   world  ", now)
	assert.Equal(t, "Session Aug 23 2026", got.Title)
	assert.Equal(t, 2, got.WordCount)
	assert.Equal(t, model.SessionStatusError, got.Status)
}

func TestNoopAnalyzer(t *testing.T) {
	got, err := NoopAnalyzer{}.Analyze(context.Background(), "a b c", 30)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusError, got.Status)
	assert.Equal(t, 3, got.WordCount)
}

func TestExtractJSONFromText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"fenced with language", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around object", "Here you go:\n{\"a\":1}\nHope that helps!", `{"a":1}`},
		{"array passes through", `[1,2]`, `[1,2]`},
		{"empty input", "   ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractJSONFromText(tc.in))
		})
	}
}
