// Package embeddings generates vector embeddings for semantic tool search.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mcpgate/internal/config"
)

// Dimension is the embedding width the schema's vector columns expect
const Dimension = 1536

// Embedder generates embeddings
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// New selects an embedder from configuration
func New(cfg *config.EmbedderConfig) (Embedder, error) {
	switch cfg.Type {
	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return NewOpenAIEmbedder(cfg.APIKey, baseURL, cfg.Model), nil
	case "local":
		return NewLocalEmbedder(Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedder type %q", cfg.Type)
	}
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings API
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIEmbedder creates an embedder against an OpenAI-compatible endpoint
func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small" // 1536 dimensions
	}
	return &OpenAIEmbedder{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Embed generates an embedding for a single text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one call
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := map[string]any{
		"model": e.model,
		"input": texts,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embeddings", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding API error: %s - %s", resp.Status, string(body))
	}

	var result struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	// order by index; the API may return out of order
	embeddings := make([][]float32, len(result.Data))
	for _, d := range result.Data {
		embedding := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			embedding[i] = float32(v)
		}
		embeddings[d.Index] = embedding
	}

	return embeddings, nil
}

// LocalEmbedder produces deterministic hash-based vectors. Development and
// tests only; similarity scores are meaningless.
type LocalEmbedder struct {
	dimension int
}

// NewLocalEmbedder creates a local embedder
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	return &LocalEmbedder{dimension: dimension}
}

// Embed generates a deterministic pseudo-embedding
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	embedding := make([]float32, e.dimension)
	hash := 0
	for _, c := range text {
		hash = hash*31 + int(c)
	}

	for i := range embedding {
		hash = hash*1103515245 + 12345
		embedding[i] = float32(hash%1000) / 1000.0
	}

	return embedding, nil
}

// EmbedBatch generates embeddings for multiple texts
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
