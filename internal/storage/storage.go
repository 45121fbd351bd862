// Package storage defines the persistence interface for captured entries.
package storage

import (
	"context"
	"errors"

	"github.com/localrecall/localrecall/internal/models"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("entry not found")

// Store defines entry persistence operations. The unembedded flag it tracks is
// the sole source of truth for pipeline resumability: an entry stays listed by
// ListUnembedded until MarkEmbedded records its vector index position.
type Store interface {
	CreateEntry(ctx context.Context, content, source, captureMethod string, tags []string) (*models.Entry, error)
	GetEntry(ctx context.Context, id int64) (*models.Entry, error)
	ListEntries(ctx context.Context, filter models.EntryFilter, limit int) ([]*models.Entry, error)
	ListUnembedded(ctx context.Context, limit int) ([]*models.Entry, error)

	// MarkEmbedded flips is_embedded and records the index position in one
	// update. Called strictly after the vector is appended to the index.
	MarkEmbedded(ctx context.Context, id int64, position int64) error

	DeleteEntry(ctx context.Context, id int64) (bool, error)
	ClearAll(ctx context.Context) (int64, error)

	CountEntries(ctx context.Context) (int64, error)
	CountEmbedded(ctx context.Context) (int64, error)

	Close() error
}
