// Package embedding provides text embedding via an external model provider.
package embedding

import "context"

// Embedder produces vector embeddings for text.
//
// EmbedBatch degrades per-item failures to a zero vector of the configured
// dimension instead of failing the batch: one bad item must never block the
// others. CheckAvailable is a cheap liveness probe and never returns an error.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	CheckAvailable(ctx context.Context) bool
	Close() error
}

// ZeroVector returns the documented per-item fallback: a zero vector of the
// given dimension. It trades that item's recall for pipeline liveness.
func ZeroVector(dimensions int) []float32 {
	return make([]float32, dimensions)
}
