package models

import "time"

// QueryRequest is the request shape for /api/v1/query and /api/v1/query/stream.
// When Model is set, the query is answered via RAG generation; when empty, only
// semantic search results are returned.
type QueryRequest struct {
	Query string `json:"query"`
	Model string `json:"model,omitempty"`
	K     int    `json:"k,omitempty"`
}

// EntryFilter narrows entry listings. Zero values mean no filtering.
type EntryFilter struct {
	Tag    string
	Source string
	Since  time.Time
}
