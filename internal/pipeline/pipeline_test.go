package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/localrecall/localrecall/internal/embedding"
	"github.com/localrecall/localrecall/internal/storage"
	"github.com/localrecall/localrecall/internal/vector"
)

func newTestPipeline(t *testing.T) (*Pipeline, storage.Store, *vector.FlatIndex) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	index, err := vector.NewFlatIndex(8, "")
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	embedder := embedding.NewMockEmbedder(8)
	p := New(store, embedder, index, Config{BatchSize: 10, PollInterval: 10 * time.Millisecond, ErrorBackoff: 10 * time.Millisecond}, zap.NewNop())
	return p, store, index
}

func TestRunOnceEmbedsCapturedEntries(t *testing.T) {
	p, store, index := newTestPipeline(t)
	ctx := context.Background()

	var ids []int64
	for _, text := range []string{"first note", "second note", "third note"} {
		entry, err := store.CreateEntry(ctx, text, "test", "api", nil)
		if err != nil {
			t.Fatalf("failed to create entry: %v", err)
		}
		ids = append(ids, entry.ID)
	}

	n, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 entries processed, got %d", n)
	}
	if index.Size() != 3 {
		t.Errorf("expected index size 3, got %d", index.Size())
	}

	// Positions follow capture order.
	for i, id := range ids {
		entry, err := store.GetEntry(ctx, id)
		if err != nil {
			t.Fatalf("failed to load entry %d: %v", id, err)
		}
		if !entry.IsEmbedded {
			t.Errorf("entry %d not flagged embedded", id)
		}
		if entry.EmbeddingPosition == nil || *entry.EmbeddingPosition != int64(i) {
			t.Errorf("entry %d: expected position %d, got %v", id, i, entry.EmbeddingPosition)
		}
	}

	// Second iteration has nothing left to do.
	n, err = p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty second iteration, got %d", n)
	}
}

func TestRunOnceRespectsBatchSize(t *testing.T) {
	p, store, index := newTestPipeline(t)
	p.batchSize = 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.CreateEntry(ctx, "note", "test", "api", nil); err != nil {
			t.Fatalf("failed to create entry: %v", err)
		}
	}

	for _, want := range []int{2, 2, 1, 0} {
		n, err := p.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}
		if n != want {
			t.Errorf("expected %d entries processed, got %d", want, n)
		}
	}
	if index.Size() != 5 {
		t.Errorf("expected index size 5, got %d", index.Size())
	}
}

func TestStartStopIdempotent(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	ctx := context.Background()

	if _, err := store.CreateEntry(ctx, "background note", "test", "api", nil); err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}

	p.Start()
	p.Start()
	if !p.Running() {
		t.Fatal("pipeline should be running after Start")
	}

	deadline := time.After(2 * time.Second)
	for {
		n, err := store.CountEmbedded(ctx)
		if err != nil {
			t.Fatalf("failed to count embedded: %v", err)
		}
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("pipeline did not embed the entry in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	p.Stop()
	p.Stop()
	if p.Running() {
		t.Error("pipeline should not be running after Stop")
	}
}

func TestReindexEntry(t *testing.T) {
	p, store, index := newTestPipeline(t)
	ctx := context.Background()

	entry, err := store.CreateEntry(ctx, "reindex me", "test", "cli", nil)
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}

	if err := p.ReindexEntry(ctx, entry.ID); err != nil {
		t.Fatalf("ReindexEntry failed: %v", err)
	}
	if index.Size() != 1 {
		t.Errorf("expected index size 1, got %d", index.Size())
	}
	got, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("failed to reload entry: %v", err)
	}
	if !got.IsEmbedded {
		t.Error("entry not flagged embedded after reindex")
	}

	if err := p.ReindexEntry(ctx, 9999); err == nil {
		t.Error("expected error reindexing a missing entry")
	}
}
