package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// ---------- OpenAI-Compatible Provider Tests ----------

func TestOpenAIEmbedder(t *testing.T) {
	t.Parallel()

	srv := newMockOpenAIServer(t, "openai-model", [][]float32{
		{0.1, 0.2, 0.3},
		{0.4, 0.5, 0.6},
	})
	defer srv.Close()

	e := NewOpenAIEmbedder(EmbeddingConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "openai-model",
	})

	if e.Name() != "openai" {
		t.Errorf("Name() = %q, want %q", e.Name(), "openai")
	}
	if e.Model() != "openai-model" {
		t.Errorf("Model() = %q, want %q", e.Model(), "openai-model")
	}
	if e.Dimensions() != 3072 {
		t.Errorf("Dimensions() = %d, want 3072", e.Dimensions())
	}

	result, err := e.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("Embed() returned %d embeddings, want 2", len(result))
	}
	assertFloat32Slice(t, result[0], []float32{0.1, 0.2, 0.3})
	assertFloat32Slice(t, result[1], []float32{0.4, 0.5, 0.6})
}

func TestOpenAIEmbedderDefaults(t *testing.T) {
	t.Parallel()

	e := NewOpenAIEmbedder(EmbeddingConfig{APIKey: "key"})
	if e.Model() != "text-embedding-3-large" {
		t.Errorf("Model() = %q, want %q", e.Model(), "text-embedding-3-large")
	}
	if e.Dimensions() != 3072 {
		t.Errorf("Dimensions() = %d, want 3072", e.Dimensions())
	}
}

func TestOpenAICompatibleEmptyInput(t *testing.T) {
	t.Parallel()

	e := NewOpenAIEmbedder(EmbeddingConfig{APIKey: "key"})
	result, err := e.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed(nil) error: %v", err)
	}
	if result != nil {
		t.Errorf("Embed(nil) = %v, want nil", result)
	}
}

func TestOpenAICompatibleAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"message":"rate limit exceeded"}}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(EmbeddingConfig{APIKey: "key", BaseURL: srv.URL})
	_, err := e.Embed(context.Background(), []string{"test"})
	if err == nil {
		t.Fatal("Embed() should return error on 429")
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not a *ProviderError", err)
	}
	if pe.Provider != "openai" {
		t.Errorf("ProviderError.Provider = %q, want %q", pe.Provider, "openai")
	}
}

// ---------- Gemini Provider Tests ----------

func TestGeminiEmbedderSingle(t *testing.T) {
	t.Parallel()

	srv := newMockGeminiServer(t, [][]float32{{0.1, 0.2, 0.3}})
	defer srv.Close()

	e := NewGeminiEmbedder(EmbeddingConfig{
		APIKey:  "gemini-key",
		BaseURL: srv.URL,
		Model:   "gemini-embedding-001",
	})

	if e.Name() != "gemini" {
		t.Errorf("Name() = %q, want %q", e.Name(), "gemini")
	}

	result, err := e.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("Embed() returned %d embeddings, want 1", len(result))
	}
	assertFloat32Slice(t, result[0], []float32{0.1, 0.2, 0.3})
}

func TestGeminiEmbedderBatch(t *testing.T) {
	t.Parallel()

	srv := newMockGeminiServer(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}})
	defer srv.Close()

	e := NewGeminiEmbedder(EmbeddingConfig{
		APIKey:  "gemini-key",
		BaseURL: srv.URL,
	})

	result, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("Embed() returned %d embeddings, want 2", len(result))
	}
}

func TestGeminiEmbedderEmpty(t *testing.T) {
	t.Parallel()

	e := NewGeminiEmbedder(EmbeddingConfig{APIKey: "key"})
	result, err := e.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed(nil) error: %v", err)
	}
	if result != nil {
		t.Errorf("Embed(nil) = %v, want nil", result)
	}
}

func TestGeminiEmbedderAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintln(w, `{"error":{"code":403,"message":"key invalid","status":"PERMISSION_DENIED"}}`)
	}))
	defer srv.Close()

	e := NewGeminiEmbedder(EmbeddingConfig{APIKey: "bad", BaseURL: srv.URL})
	_, err := e.Embed(context.Background(), []string{"test"})

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not a *ProviderError", err)
	}
	if pe.Provider != "gemini" {
		t.Errorf("ProviderError.Provider = %q, want %q", pe.Provider, "gemini")
	}
}

// ---------- Factory Tests ----------

func TestNewEmbeddingProvider_OpenAI(t *testing.T) {
	t.Parallel()

	p, err := NewEmbeddingProvider(EmbeddingConfig{Provider: "openai", APIKey: "key"})
	if err != nil {
		t.Fatalf("NewEmbeddingProvider() error: %v", err)
	}
	if _, ok := p.(*OpenAIEmbedder); !ok {
		t.Errorf("Provider 'openai' should return *OpenAIEmbedder, got %T", p)
	}
}

func TestNewEmbeddingProvider_EmptyDefaultsToOpenAI(t *testing.T) {
	t.Parallel()

	p, err := NewEmbeddingProvider(EmbeddingConfig{APIKey: "key"})
	if err != nil {
		t.Fatalf("NewEmbeddingProvider() error: %v", err)
	}
	if _, ok := p.(*OpenAIEmbedder); !ok {
		t.Errorf("empty provider should return *OpenAIEmbedder, got %T", p)
	}
}

func TestNewEmbeddingProvider_Gemini(t *testing.T) {
	t.Parallel()

	p, err := NewEmbeddingProvider(EmbeddingConfig{Provider: "gemini", APIKey: "key"})
	if err != nil {
		t.Fatalf("NewEmbeddingProvider() error: %v", err)
	}
	if _, ok := p.(*GeminiEmbedder); !ok {
		t.Errorf("Provider 'gemini' should return *GeminiEmbedder, got %T", p)
	}
}

func TestNewEmbeddingProvider_Google(t *testing.T) {
	t.Parallel()

	p, err := NewEmbeddingProvider(EmbeddingConfig{Provider: "google", APIKey: "key"})
	if err != nil {
		t.Fatalf("NewEmbeddingProvider() error: %v", err)
	}
	if _, ok := p.(*GeminiEmbedder); !ok {
		t.Errorf("Provider 'google' should return *GeminiEmbedder, got %T", p)
	}
}

func TestNewEmbeddingProvider_Unknown(t *testing.T) {
	t.Parallel()

	_, err := NewEmbeddingProvider(EmbeddingConfig{Provider: "carrier-pigeon"})
	if err == nil {
		t.Fatal("unknown provider should return an error")
	}
}

// ---------- Helpers ----------

func TestEmbedOne(t *testing.T) {
	t.Parallel()

	e := &mockEmbedder{name: "mock", embeddings: [][]float32{{1, 2, 3}}}
	vec, err := EmbedOne(context.Background(), e, "hello")
	if err != nil {
		t.Fatalf("EmbedOne() error: %v", err)
	}
	assertFloat32Slice(t, vec, []float32{1, 2, 3})
}

func TestEmbedOneEmptyResult(t *testing.T) {
	t.Parallel()

	e := &mockEmbedder{name: "mock"}
	_, err := EmbedOne(context.Background(), e, "hello")

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("EmbedOne() with empty result should return *ProviderError, got %v", err)
	}
}

func TestResolveAPIKey(t *testing.T) {
	if got := resolveAPIKey("explicit", "DUMMY_VAR"); got != "explicit" {
		t.Errorf("resolveAPIKey(explicit) = %q, want %q", got, "explicit")
	}

	t.Setenv("TEST_RESOLVE_KEY", "from-env")
	if got := resolveAPIKey("", "TEST_RESOLVE_KEY"); got != "from-env" {
		t.Errorf("resolveAPIKey(env) = %q, want %q", got, "from-env")
	}
}

func TestDefaultEmbeddingConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultEmbeddingConfig()
	if cfg.Provider != "openai" {
		t.Errorf("Provider = %q, want %q", cfg.Provider, "openai")
	}
	if cfg.Model != "text-embedding-3-large" {
		t.Errorf("Model = %q, want %q", cfg.Model, "text-embedding-3-large")
	}
	if cfg.Dimensions != 3072 {
		t.Errorf("Dimensions = %d, want 3072", cfg.Dimensions)
	}
}

// ---------- Mock Helpers ----------

// mockEmbedder is a test double for EmbeddingProvider. When vectors is
// set, each text is mapped through it; unknown texts get the zero vector
// of the mock's dimensionality.
type mockEmbedder struct {
	name       string
	model      string
	dims       int
	embeddings [][]float32
	vectors    map[string][]float32
	err        error
	calls      int
}

func (m *mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, &ProviderError{Provider: m.name, Err: m.err}
	}
	if m.vectors != nil {
		out := make([][]float32, len(texts))
		for i, text := range texts {
			if v, ok := m.vectors[text]; ok {
				out[i] = v
			} else {
				out[i] = make([]float32, m.dims)
			}
		}
		return out, nil
	}
	return m.embeddings, nil
}
func (m *mockEmbedder) Dimensions() int { return m.dims }
func (m *mockEmbedder) Name() string    { return m.name }
func (m *mockEmbedder) Model() string   { return m.model }

// newMockOpenAIServer creates a test server that responds with OpenAI-compatible embeddings.
func newMockOpenAIServer(t *testing.T, expectedModel string, embeddings [][]float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if model, _ := req["model"].(string); model != expectedModel {
			t.Errorf("request model = %q, want %q", model, expectedModel)
		}

		data := make([]map[string]any, len(embeddings))
		for i, emb := range embeddings {
			floats := make([]float64, len(emb))
			for j, v := range emb {
				floats[j] = float64(v)
			}
			data[i] = map[string]any{
				"embedding": floats,
				"index":     i,
			}
		}

		resp := map[string]any{"data": data}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

// newMockGeminiServer creates a test server that responds with Gemini-compatible embeddings.
func newMockGeminiServer(t *testing.T, embeddings [][]float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if len(embeddings) == 1 {
			// Single embed response.
			floats := make([]float64, len(embeddings[0]))
			for j, v := range embeddings[0] {
				floats[j] = float64(v)
			}
			resp := map[string]any{
				"embedding": map[string]any{
					"values": floats,
				},
			}
			json.NewEncoder(w).Encode(resp)
			return
		}

		// Batch embed response.
		embList := make([]map[string]any, len(embeddings))
		for i, emb := range embeddings {
			floats := make([]float64, len(emb))
			for j, v := range emb {
				floats[j] = float64(v)
			}
			embList[i] = map[string]any{"values": floats}
		}
		resp := map[string]any{"embeddings": embList}
		json.NewEncoder(w).Encode(resp)
	}))
}

// assertFloat32Slice compares two float32 slices.
func assertFloat32Slice(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("len = %d, want %d", len(got), len(want))
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("[%d] = %f, want %f", i, got[i], want[i])
		}
	}
}
