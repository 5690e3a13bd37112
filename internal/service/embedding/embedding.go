// Package embedding generates vector embeddings of session summaries for
// semantic recall across a user's history.
//
// Defines a Provider interface with OpenAI-compatible and Ollama
// implementations. The interface allows swapping providers without changing
// consumers; the noop provider keeps the rest of the system functional when
// no embedding backend is configured.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Provider turns text into vectors.
type Provider interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions reports the vector size this provider produces. It must
	// match the dimension of the embedding column.
	Dimensions() int
}

// OpenAIProvider generates embeddings using an OpenAI-compatible API.
// The dimensions parameter is forwarded to the API, so models that support
// truncated output (text-embedding-3-*) match the storage column exactly.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates an OpenAI-compatible embedding provider.
// baseURL defaults to the public OpenAI endpoint when empty.
func NewOpenAIProvider(apiKey, baseURL, model string, dimensions int) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
	}
}

// Dimensions reports the vector size requested from the API.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed returns the vector for a single text via a one-element batch.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch sends all texts in one API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(openAIRequest{
		Input:      texts,
		Model:      p.model,
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response: %w", err)
	}

	if result.Error != nil {
		return nil, fmt.Errorf("embedding: api error: %s: %s", result.Error.Type, result.Error.Message)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	// The API may return items out of order; the index field restores it.
	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}

	return vecs, nil
}

// NoopProvider returns zero vectors. Used when no embedding backend is
// configured; related-session recall degrades to no matches.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions reports the configured vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}

// FloatProvider is a Provider expressed over raw float slices. External
// implementations satisfy this shape without importing pgvector; the adapter
// below converts at the boundary.
type FloatProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// NewPublicProviderAdapter wraps an externally supplied FloatProvider as a
// Provider.
func NewPublicProviderAdapter(p FloatProvider) Provider {
	return &publicProviderAdapter{p: p}
}

type publicProviderAdapter struct {
	p FloatProvider
}

func (a *publicProviderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	raw, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(raw), nil
}

func (a *publicProviderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	raws, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	vecs := make([]pgvector.Vector, len(raws))
	for i, raw := range raws {
		vecs[i] = pgvector.NewVector(raw)
	}
	return vecs, nil
}

func (a *publicProviderAdapter) Dimensions() int {
	return a.p.Dimensions()
}
