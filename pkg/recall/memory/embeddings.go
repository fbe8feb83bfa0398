// Package memory – embeddings.go implements embedding generation for the
// memory store. Supports OpenAI-compatible endpoints and Google Gemini.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// EmbeddingProvider generates vector embeddings from text.
type EmbeddingProvider interface {
	// Embed generates embeddings for a batch of texts.
	// Returns one float32 vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of the output vectors.
	Dimensions() int

	// Name returns the provider name.
	Name() string

	// Model returns the model name.
	Model() string
}

// ProviderError wraps a failure from an external embedding API so callers
// can tell provider outages apart from local storage errors. The store
// propagates these unchanged and never retries.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is the embedding provider ("openai", "gemini").
	Provider string `yaml:"provider"`

	// Model is the embedding model name (e.g. "text-embedding-3-large").
	Model string `yaml:"model"`

	// Dimensions is the output vector dimensionality (default: from model).
	Dimensions int `yaml:"dimensions"`

	// APIKey is the API key. If empty, falls back to the provider env var.
	APIKey string `yaml:"api_key"`

	// BaseURL is the API base URL. If empty, uses the provider default.
	BaseURL string `yaml:"base_url"`
}

// DefaultEmbeddingConfig returns the defaults used by the assistant.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:   "openai",
		Model:      "text-embedding-3-large",
		Dimensions: 3072,
	}
}

// ---------- OpenAI-Compatible Embedding Helper ----------

// openAICompatibleConfig holds configuration for any OpenAI-compatible
// embedding endpoint.
type openAICompatibleConfig struct {
	name       string
	apiKey     string
	model      string
	dimensions int
	baseURL    string
}

// openaiEmbedResponse is the OpenAI-compatible embeddings API response.
type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// embedOpenAICompatible calls an OpenAI-compatible /embeddings endpoint.
func embedOpenAICompatible(ctx context.Context, client *http.Client, cfg openAICompatibleConfig, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body := map[string]any{
		"model": cfg.model,
		"input": texts,
	}
	if cfg.dimensions > 0 {
		body["dimensions"] = cfg.dimensions
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal embed request: %w", cfg.name, err)
	}

	endpoint := strings.TrimRight(cfg.baseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: create embed request: %w", cfg.name, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: embed API call: %w", cfg.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read embed response: %w", cfg.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: embed API error (status %d): %s", cfg.name, resp.StatusCode, string(respBody))
	}

	var result openaiEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%s: unmarshal embed response: %w", cfg.name, err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("%s: embed API error: %s", cfg.name, result.Error.Message)
	}

	// Sort by index to match input order.
	embeddings := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}

	return embeddings, nil
}

// ---------- OpenAI Embedding Provider ----------

// OpenAIEmbedder generates embeddings using the OpenAI Embeddings API.
type OpenAIEmbedder struct {
	cfg    openAICompatibleConfig
	client *http.Client
}

// NewOpenAIEmbedder creates an OpenAI embedding provider.
func NewOpenAIEmbedder(cfg EmbeddingConfig) *OpenAIEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 3072
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-large"
	}
	apiKey := resolveAPIKey(cfg.APIKey, "OPENAI_API_KEY")
	return &OpenAIEmbedder{
		cfg: openAICompatibleConfig{
			name:       "openai",
			apiKey:     apiKey,
			model:      model,
			dimensions: dims,
			baseURL:    baseURL,
		},
		client: newEmbedHTTPClient(),
	}
}

// Embed generates embeddings for a batch of texts.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := embedOpenAICompatible(ctx, e.client, e.cfg, texts)
	if err != nil {
		return nil, &ProviderError{Provider: e.Name(), Err: err}
	}
	return vecs, nil
}

// Dimensions returns the output vector dimensionality.
func (e *OpenAIEmbedder) Dimensions() int { return e.cfg.dimensions }

// Name returns the provider name.
func (e *OpenAIEmbedder) Name() string { return "openai" }

// Model returns the model name.
func (e *OpenAIEmbedder) Model() string { return e.cfg.model }

// ---------- Factory ----------

// NewEmbeddingProvider creates an embedding provider from config.
func NewEmbeddingProvider(cfg EmbeddingConfig) (EmbeddingProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		return NewOpenAIEmbedder(cfg), nil
	case "gemini", "google":
		return NewGeminiEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// ---------- Helpers ----------

// EmbedOne embeds a single text and returns its vector.
func EmbedOne(ctx context.Context, p EmbeddingProvider, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("expected 1 embedding, got %d", len(vecs))}
	}
	return vecs[0], nil
}

// resolveAPIKey returns the configured key, falling back to the given env var.
func resolveAPIKey(configured, envVar string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(envVar)
}

// newEmbedHTTPClient creates a shared HTTP client for embedding providers.
func newEmbedHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
