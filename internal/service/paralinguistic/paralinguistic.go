// Package paralinguistic extracts emotional signals from short stretches of
// user audio. The agent calls it once per completed turn with the turn's
// buffered audio; the resulting prose line is injected into the dialogue
// context so replies can respond to how something was said, not just what.
package paralinguistic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider analyzes one utterance of audio for paralinguistic signals.
type Provider interface {
	// AnalyzeTurn inspects WAV-encoded audio and returns a short prose
	// description of its emotional signals, or "" when the audio carried
	// no signal the provider could read.
	AnalyzeTurn(ctx context.Context, wav []byte) (string, error)
}

// DeepgramProvider calls Deepgram's audio-intelligence API for sentiment and
// intent detection on recorded audio.
type DeepgramProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewDeepgramProvider creates a provider against the Deepgram listen API.
// The timeout is deliberately short: enrichment runs inside a conversational
// turn, and a slow answer is worth less than no answer.
func NewDeepgramProvider(apiKey, baseURL string) *DeepgramProvider {
	if baseURL == "" {
		baseURL = "https://api.deepgram.com"
	}
	return &DeepgramProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   "nova-2",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type listenResponse struct {
	Results struct {
		Sentiments *struct {
			Average struct {
				Sentiment      string  `json:"sentiment"`
				SentimentScore float64 `json:"sentiment_score"`
			} `json:"average"`
			Segments []sentimentSegment `json:"segments"`
		} `json:"sentiments"`
		Intents *struct {
			Segments []intentSegment `json:"segments"`
		} `json:"intents"`
	} `json:"results"`
}

type sentimentSegment struct {
	Text           string  `json:"text"`
	Sentiment      string  `json:"sentiment"`
	SentimentScore float64 `json:"sentiment_score"`
}

type intentSegment struct {
	Text    string `json:"text"`
	Intents []struct {
		Intent          string  `json:"intent"`
		ConfidenceScore float64 `json:"confidence_score"`
	} `json:"intents"`
}

// AnalyzeTurn submits the audio for sentiment and intent analysis and
// reduces the response to one prose line.
func (p *DeepgramProvider) AnalyzeTurn(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", nil
	}

	endpoint := fmt.Sprintf("%s/v1/listen?model=%s&sentiment=true&intents=true",
		p.baseURL, url.QueryEscape(p.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("deepgram: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("deepgram: status %d: %s", resp.StatusCode, string(body))
	}

	var result listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("deepgram: decode response: %w", err)
	}

	return result.contextLine(), nil
}

// contextLine flattens the analysis into the line injected into the dialogue
// context, e.g. "Sentiment: negative. Intents: seek reassurance, vent."
// Either half is omitted when the API returned nothing for it.
func (r *listenResponse) contextLine() string {
	var parts []string

	if s := r.Results.Sentiments; s != nil && s.Average.Sentiment != "" {
		parts = append(parts, "Sentiment: "+s.Average.Sentiment+".")
	}

	if in := r.Results.Intents; in != nil {
		var names []string
		seen := make(map[string]bool)
		for _, seg := range in.Segments {
			for _, intent := range seg.Intents {
				if intent.Intent == "" || seen[intent.Intent] {
					continue
				}
				seen[intent.Intent] = true
				names = append(names, intent.Intent)
			}
		}
		if len(names) > 0 {
			parts = append(parts, "Intents: "+strings.Join(names, ", ")+".")
		}
	}

	return strings.Join(parts, " ")
}

// NoopProvider reports no signal for every turn. Used when no Deepgram key
// is configured; turns proceed on the transcribed text alone.
type NoopProvider struct{}

// NewNoopProvider creates a provider that never finds a signal.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// AnalyzeTurn always reports no signal.
func (*NoopProvider) AnalyzeTurn(ctx context.Context, wav []byte) (string, error) {
	return "", nil
}
