// Package analyzer turns a raw session transcript into the structured
// analysis payload persisted at finalization.
//
// The provider is an OpenAI-compatible chat completion endpoint. Provider
// failures never surface to callers: once the retry budget is exhausted the
// analyzer degrades to a deterministic default payload tagged ERROR, so the
// webhook path can always finalize the session. The only error Analyze
// returns is context cancellation.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ashita-ai/kokoro/internal/model"
)

// Analyzer produces a structured analysis of a finished session.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string, durationSeconds int) (model.SessionAnalysis, error)
}

const (
	defaultMaxAttempts = 3
	requestTimeout     = 60 * time.Second
)

const analysisSystemPrompt = `You analyze transcripts of supportive voice conversations.
Write every prose field in the second person, addressed to the person who spoke ("you explored", "you shared").
Never name or refer to the assistant, the agent, or any AI in any field.
Respond with a single JSON object and nothing else.`

// OpenAIAnalyzer calls an OpenAI-compatible chat completion API and parses
// the JSON object it is instructed to return.
type OpenAIAnalyzer struct {
	client      openaigo.Client
	model       string
	maxAttempts int
	logger      *slog.Logger
}

// NewOpenAIAnalyzer creates an analyzer backed by an OpenAI-compatible
// endpoint. baseURL defaults to the OpenAI API; maxAttempts defaults to 3.
func NewOpenAIAnalyzer(apiKey, baseURL, chatModel string, maxAttempts int, logger *slog.Logger) *OpenAIAnalyzer {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	client := openaigo.NewClient(
		option.WithBaseURL(strings.TrimRight(baseURL, "/")),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: requestTimeout}),
		// The loop in Analyze owns the retry budget; SDK retries would
		// make attempt counting and backoff timing dishonest.
		option.WithMaxRetries(0),
		option.WithRequestTimeout(requestTimeout),
	)
	return &OpenAIAnalyzer{
		client:      client,
		model:       chatModel,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// llmAnalysis is the JSON shape the provider is instructed to return.
// word_count is always computed locally, never trusted from the model.
type llmAnalysis struct {
	Title               string   `json:"title"`
	Summary             string   `json:"summary"`
	KeyTopics           []string `json:"key_topics"`
	PrimaryEmotions     []string `json:"primary_emotions"`
	MoodScore           float64  `json:"mood_score"`
	EngagementScore     float64  `json:"engagement_score"`
	StressIndicators    []string `json:"stress_indicators"`
	BreakthroughMoments *string  `json:"breakthrough_moments"`
}

// Analyze runs up to maxAttempts provider calls, sleeping 2^n seconds between
// failed attempts. An empty or unparsable response counts as a failed
// attempt. Exhausting the budget returns DefaultAnalysis, not an error.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, transcript string, durationSeconds int) (model.SessionAnalysis, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<(attempt-1)) * time.Second
			if !sleepWithContext(ctx, wait) {
				return model.SessionAnalysis{}, ctx.Err()
			}
		}

		parsed, err := a.attempt(ctx, transcript, durationSeconds)
		if err == nil {
			return buildAnalysis(parsed, transcript), nil
		}
		if ctx.Err() != nil {
			return model.SessionAnalysis{}, ctx.Err()
		}
		a.logger.Warn("analyzer: attempt failed",
			"attempt", attempt+1,
			"max_attempts", a.maxAttempts,
			"error", err,
		)
	}

	a.logger.Warn("analyzer: all attempts exhausted, using default analysis")
	return DefaultAnalysis(transcript, time.Now()), nil
}

func (a *OpenAIAnalyzer) attempt(ctx context.Context, transcript string, durationSeconds int) (llmAnalysis, error) {
	resp, err := a.client.Chat.Completions.New(ctx, openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(a.model),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.SystemMessage(analysisSystemPrompt),
			openaigo.UserMessage(buildAnalysisPrompt(transcript, durationSeconds)),
		},
	})
	if err != nil {
		return llmAnalysis{}, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llmAnalysis{}, fmt.Errorf("llm returned empty choices")
	}

	raw := extractJSONFromText(resp.Choices[0].Message.Content)
	if raw == "" {
		return llmAnalysis{}, fmt.Errorf("llm returned empty content")
	}
	var parsed llmAnalysis
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return llmAnalysis{}, fmt.Errorf("invalid analysis json: %w", err)
	}
	if strings.TrimSpace(parsed.Title) == "" || strings.TrimSpace(parsed.Summary) == "" {
		return llmAnalysis{}, fmt.Errorf("analysis missing title or summary")
	}
	return parsed, nil
}

func buildAnalysisPrompt(transcript string, durationSeconds int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The conversation below lasted %d seconds.\n\n", durationSeconds)
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	b.WriteString("\n\nReturn ONLY a JSON object with exactly these fields:\n")
	b.WriteString(`{
  "title": "short descriptive title, at most eight words",
  "summary": "2-4 sentences in second person about what was explored",
  "key_topics": ["up to five short topic phrases"],
  "primary_emotions": ["up to three emotions the speaker expressed"],
  "mood_score": 5.5,
  "engagement_score": 7.0,
  "stress_indicators": ["phrases or patterns suggesting stress, empty if none"],
  "breakthrough_moments": "a notable moment of insight, or null"
}`)
	b.WriteString("\n\nmood_score and engagement_score are numbers from 1 to 10.")
	return b.String()
}

// buildAnalysis normalizes a parsed provider response into the persisted
// payload: scores clamped, list entries trimmed, word count computed from
// the raw transcript.
func buildAnalysis(parsed llmAnalysis, transcript string) model.SessionAnalysis {
	analysis := model.SessionAnalysis{
		Title:            strings.TrimSpace(parsed.Title),
		Summary:          strings.TrimSpace(parsed.Summary),
		KeyTopics:        cleanList(parsed.KeyTopics),
		PrimaryEmotions:  cleanList(parsed.PrimaryEmotions),
		MoodScore:        model.ClampScore(parsed.MoodScore),
		EngagementScore:  model.ClampScore(parsed.EngagementScore),
		StressIndicators: cleanList(parsed.StressIndicators),
		WordCount:        wordCount(transcript),
		Status:           model.SessionStatusCompleted,
	}
	if parsed.BreakthroughMoments != nil {
		if bm := strings.TrimSpace(*parsed.BreakthroughMoments); bm != "" {
			analysis.BreakthroughMoments = &bm
		}
	}
	return analysis
}

// DefaultAnalysis is the payload used when no provider analysis is
// available: exhausted retries, or sessions terminated without a transcript.
func DefaultAnalysis(transcript string, now time.Time) model.SessionAnalysis {
	return model.SessionAnalysis{
		Title:            "Session " + now.Format("Jan 2 2006"),
		Summary:          "You spent this session in conversation. A detailed summary could not be generated this time.",
		KeyTopics:        []string{"general discussion"},
		PrimaryEmotions:  []string{"neutral"},
		MoodScore:        5.0,
		EngagementScore:  5.0,
		StressIndicators: []string{},
		WordCount:        wordCount(transcript),
		Status:           model.SessionStatusError,
	}
}

// NoopAnalyzer skips the provider entirely and returns the default payload.
// Used when no LLM credentials are configured.
type NoopAnalyzer struct{}

func (NoopAnalyzer) Analyze(_ context.Context, transcript string, _ int) (model.SessionAnalysis, error) {
	return DefaultAnalysis(transcript, time.Now()), nil
}

func wordCount(transcript string) int {
	return len(strings.Fields(transcript))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// extractJSONFromText strips markdown code fences and surrounding prose so
// the remainder can be passed to json.Unmarshal. Models frequently wrap the
// object in ```json fences despite instructions not to.
func extractJSONFromText(s string) string {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "```") {
		rest := strings.TrimSpace(strings.TrimPrefix(raw, "```"))
		// Drop the language line ("json") but not a body that starts
		// immediately after the fence.
		if i := strings.Index(rest, "\n"); i >= 0 && !strings.HasPrefix(rest, "{") && !strings.HasPrefix(rest, "[") {
			rest = rest[i+1:]
		}
		if j := strings.LastIndex(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		raw = strings.TrimSpace(rest)
	}
	if !strings.HasPrefix(raw, "{") && !strings.HasPrefix(raw, "[") {
		if i := strings.Index(raw, "{"); i >= 0 {
			if j := strings.LastIndex(raw, "}"); j > i {
				return strings.TrimSpace(raw[i : j+1])
			}
		}
	}
	return raw
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
