package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newOllamaStub answers /api/embeddings with a deterministic vector of the
// given size. A prompt containing "fail" gets a 500 instead.
func newOllamaStub(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if strings.Contains(req.Prompt, "fail") {
			http.Error(w, "model exploded", http.StatusInternalServerError)
			return
		}
		vec := make([]float32, dims)
		for i := range vec {
			vec[i] = float32(i) * 0.001
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
	}))
}

func TestOllamaProviderEmbed(t *testing.T) {
	server := newOllamaStub(t, 768)
	defer server.Close()
	p := NewOllamaProvider(server.URL, "nomic-embed-text", 768)

	if p.Dimensions() != 768 {
		t.Fatalf("Dimensions() = %d, want 768", p.Dimensions())
	}

	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	got := vec.Slice()
	if len(got) != 768 {
		t.Fatalf("got %d-dim vector, want 768", len(got))
	}
	if got[100] != 0.1 {
		t.Errorf("element 100 = %f, want 0.1", got[100])
	}
}

func TestOllamaProviderEmbedBatch(t *testing.T) {
	server := newOllamaStub(t, 768)
	defer server.Close()
	p := NewOllamaProvider(server.URL, "nomic-embed-text", 768)

	t.Run("empty input", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if vecs != nil {
			t.Errorf("EmbedBatch(nil) = %v, want nil", vecs)
		}
	})

	t.Run("multiple texts", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e", "f"})
		if err != nil {
			t.Fatal(err)
		}
		if len(vecs) != 6 {
			t.Fatalf("got %d vectors, want 6", len(vecs))
		}
		for i, vec := range vecs {
			if len(vec.Slice()) != 768 {
				t.Errorf("vector %d: %d dims, want 768", i, len(vec.Slice()))
			}
		}
	})

	t.Run("one failing item fails the batch", func(t *testing.T) {
		_, err := p.EmbedBatch(context.Background(), []string{"ok", "fail me", "also ok"})
		if err == nil {
			t.Fatal("expected error from failing item")
		}
		if !strings.Contains(err.Error(), "batch item 1") {
			t.Errorf("error %q does not name the failing item", err)
		}
	})
}

func TestOllamaProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "internal error", http.StatusInternalServerError)
			},
		},
		{
			name: "empty embedding",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{})
			},
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>busy</html>"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			p := NewOllamaProvider(server.URL, "nomic-embed-text", 768)
			if _, err := p.Embed(context.Background(), "text"); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestOpenAIProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header: %s", got)
		}

		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Dimensions != 768 {
			t.Errorf("expected dimensions 768 in request, got %d", req.Dimensions)
		}

		// Respond out of input order to exercise index-based reassembly.
		resp := map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0.2, 0.2}},
				{"index": 0, "embedding": []float32{0.1, 0.1}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "text-embedding-3-small", 768)
	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if vecs[0].Slice()[0] != 0.1 {
		t.Errorf("vector order not restored: got %f", vecs[0].Slice()[0])
	}
	if vecs[1].Slice()[0] != 0.2 {
		t.Errorf("vector order not restored: got %f", vecs[1].Slice()[0])
	}
}

func TestOpenAIProviderAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("bad-key", server.URL, "text-embedding-3-small", 768)
	_, err := p.Embed(context.Background(), "test")
	if err == nil {
		t.Error("expected error, got nil")
	}
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(768)
	if p.Dimensions() != 768 {
		t.Errorf("expected 768, got %d", p.Dimensions())
	}

	vec, err := p.Embed(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec.Slice()) != 768 {
		t.Errorf("expected 768-dim vector, got %d", len(vec.Slice()))
	}

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 {
		t.Errorf("expected 2 vectors, got %d", len(vecs))
	}
}
