package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/localrecall/localrecall/internal/llm"
)

// availabilityProbe is the constant text embedded by CheckAvailable.
const availabilityProbe = "test"

// OllamaEmbedder generates embeddings via the Ollama /api/embeddings endpoint.
// It is stateless apart from a read-through LRU cache.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
	cache      *EmbeddingCache
	logger     *zap.Logger
}

// OllamaConfig configures an OllamaEmbedder.
type OllamaConfig struct {
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
	CacheSize  int
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder creates an embedder for the given Ollama runtime.
func NewOllamaEmbedder(cfg OllamaConfig, logger *zap.Logger) (*OllamaEmbedder, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	return &OllamaEmbedder{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: cfg.Timeout},
		cache:      NewEmbeddingCache(cfg.CacheSize),
		logger:     logger,
	}, nil
}

// Embed generates an embedding for a single text. Transport and provider
// failures are classified as llm.ErrUnavailable so callers can map them to a
// retryable status.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := e.cache.Get(e.model, text); ok {
		return vec, nil
	}

	body, err := json.Marshal(embeddingRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: ollama not reachable at %s: %v", llm.ErrUnavailable, e.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: ollama returned status %d: %s", llm.ErrUnavailable, resp.StatusCode, string(b))
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("%w: decode embedding response: %v", llm.ErrUnavailable, err)
	}
	if len(embResp.Embedding) != e.dimensions {
		return nil, fmt.Errorf("embedding dimension %d does not match configured %d (model %q)",
			len(embResp.Embedding), e.dimensions, e.model)
	}

	e.cache.Put(e.model, text, embResp.Embedding)
	return embResp.Embedding, nil
}

// EmbedBatch embeds all texts concurrently. A failed or timed-out item
// degrades to a zero vector; the batch itself never fails and results keep
// input order.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			emb, err := e.Embed(ctx, text)
			if err != nil {
				if e.logger != nil {
					e.logger.Warn("embedding failed, using zero vector fallback",
						zap.Int("item", i), zap.Error(err))
				}
				embeddings[i] = ZeroVector(e.dimensions)
				return
			}
			embeddings[i] = emb
		}(i, text)
	}
	wg.Wait()
	return embeddings, nil
}

// Dimensions returns the configured embedding dimension.
func (e *OllamaEmbedder) Dimensions() int {
	return e.dimensions
}

// CheckAvailable probes the provider by embedding a constant string.
func (e *OllamaEmbedder) CheckAvailable(ctx context.Context) bool {
	_, err := e.Embed(ctx, availabilityProbe)
	if err != nil && e.logger != nil {
		e.logger.Debug("embedding provider unavailable", zap.Error(err))
	}
	return err == nil
}

// Close is a no-op; the HTTP client needs no explicit cleanup.
func (e *OllamaEmbedder) Close() error {
	return nil
}
