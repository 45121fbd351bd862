// Package storage provides the SQLite implementation of the Store interface.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/localrecall/localrecall/internal/models"
	"github.com/localrecall/localrecall/pkg/utils"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes
// the schema. Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		source TEXT,
		capture_method TEXT NOT NULL,
		tags TEXT,
		timestamp TIMESTAMP NOT NULL,
		is_embedded INTEGER NOT NULL DEFAULT 0,
		embedding_position INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_entries_is_embedded ON entries(is_embedded);
	CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON entries(timestamp);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateEntry inserts a new entry and returns it with its assigned ID.
func (s *SQLiteStore) CreateEntry(ctx context.Context, content, source, captureMethod string, tags []string) (*models.Entry, error) {
	if content == "" {
		return nil, fmt.Errorf("content must not be empty")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (content, source, capture_method, tags, timestamp) VALUES (?, ?, ?, ?, ?)`,
		content, source, captureMethod, utils.JoinTags(tags), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry id: %w", err)
	}
	return &models.Entry{
		ID:            id,
		Content:       content,
		Source:        source,
		CaptureMethod: captureMethod,
		Tags:          utils.SplitTags(utils.JoinTags(tags)),
		Timestamp:     now,
	}, nil
}

// GetEntry returns the entry with the given ID, or ErrNotFound.
func (s *SQLiteStore) GetEntry(ctx context.Context, id int64) (*models.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, source, capture_method, tags, timestamp, is_embedded, embedding_position
		 FROM entries WHERE id = ?`, id)
	return scanEntry(row)
}

// ListEntries returns entries newest first, narrowed by filter.
func (s *SQLiteStore) ListEntries(ctx context.Context, filter models.EntryFilter, limit int) ([]*models.Entry, error) {
	query := `SELECT id, content, source, capture_method, tags, timestamp, is_embedded, embedding_position
		 FROM entries WHERE 1=1`
	args := []interface{}{}
	if filter.Tag != "" {
		query += ` AND tags LIKE ?`
		args = append(args, "%"+filter.Tag+"%")
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListUnembedded returns up to limit entries that have not been embedded yet,
// oldest first so the pipeline processes them in capture order.
func (s *SQLiteStore) ListUnembedded(ctx context.Context, limit int) ([]*models.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, source, capture_method, tags, timestamp, is_embedded, embedding_position
		 FROM entries WHERE is_embedded = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unembedded entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkEmbedded records that the entry's vector sits at position in the index.
func (s *SQLiteStore) MarkEmbedded(ctx context.Context, id int64, position int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET is_embedded = 1, embedding_position = ? WHERE id = ?`, position, id)
	if err != nil {
		return fmt.Errorf("failed to mark entry embedded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEntry removes the entry. Returns false when it did not exist.
// The entry's vector, if any, stays in the append-only index; retrieval drops
// hits whose backing entry is gone.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check delete: %w", err)
	}
	return n > 0, nil
}

// ClearAll removes every entry and returns the number removed.
func (s *SQLiteStore) ClearAll(ctx context.Context) (int64, error) {
	count, err := s.CountEntries(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return 0, fmt.Errorf("failed to clear entries: %w", err)
	}
	return count, nil
}

// CountEntries returns the total number of entries.
func (s *SQLiteStore) CountEntries(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

// CountEmbedded returns the number of entries with embeddings.
func (s *SQLiteStore) CountEmbedded(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE is_embedded = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embedded entries: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*models.Entry, error) {
	var (
		e        models.Entry
		source   sql.NullString
		tags     sql.NullString
		position sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.Content, &source, &e.CaptureMethod, &tags, &e.Timestamp, &e.IsEmbedded, &position)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.Source = source.String
	e.Tags = utils.SplitTags(tags.String)
	if position.Valid {
		p := position.Int64
		e.EmbeddingPosition = &p
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*models.Entry, error) {
	var entries []*models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
