package models

import "time"

// SearchResult is a single vector index hit. Score is 1/(1+distance), monotonic
// in distance and bounded in (0,1]; it ranks results but is not a calibrated
// probability. Distance is the raw squared L2 distance.
type SearchResult struct {
	EntryID  int64   `json:"entry_id"`
	Score    float64 `json:"score"`
	Distance float64 `json:"distance"`
}

// RetrievedSnippet is one row of the retrieval context assembled for a query:
// a search hit hydrated with the backing entry's content and metadata.
type RetrievedSnippet struct {
	EntryID   int64     `json:"id"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Source identifies one snippet that grounded a generated answer.
type Source struct {
	ID        int64     `json:"id"`
	Score     float64   `json:"score"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Answer is the result of a RAG query.
type Answer struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
	Query   string   `json:"query"`
	Model   string   `json:"model,omitempty"`
}

// Stream event types emitted by AnswerStream, in order: one metadata event,
// zero or more answer_chunk events, then exactly one of done or error.
const (
	StreamEventMetadata = "metadata"
	StreamEventChunk    = "answer_chunk"
	StreamEventDone     = "done"
	StreamEventError    = "error"
)

// StreamEvent is one element of a streamed RAG response.
type StreamEvent struct {
	Type    string   `json:"type"`
	Sources []Source `json:"sources,omitempty"`
	Content string   `json:"content,omitempty"`
	Query   string   `json:"query,omitempty"`
	Model   string   `json:"model,omitempty"`
}
