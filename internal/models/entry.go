// Package models defines the data types shared across Local Recall components.
package models

import "time"

// Capture methods recorded on entries.
const (
	CaptureMethodAPI    = "api"
	CaptureMethodCLI    = "cli"
	CaptureMethodManual = "manual"
)

// Entry is one immutable captured text unit plus metadata.
// IsEmbedded flips exactly once from false to true, at which point
// EmbeddingPosition holds the entry's append-only position in the vector index.
type Entry struct {
	ID                int64     `json:"id"`
	Content           string    `json:"content"`
	Source            string    `json:"source,omitempty"`
	CaptureMethod     string    `json:"capture_method"`
	Tags              []string  `json:"tags,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	IsEmbedded        bool      `json:"is_embedded"`
	EmbeddingPosition *int64    `json:"embedding_position,omitempty"`
}

// EntryInput is the request shape for creating an entry.
type EntryInput struct {
	Text   string   `json:"text"`
	Source string   `json:"source,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}
