package rag

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/localrecall/localrecall/internal/llm"
	"github.com/localrecall/localrecall/internal/models"
	"github.com/localrecall/localrecall/internal/storage"
	"github.com/localrecall/localrecall/internal/vector"
)

// mapEmbedder returns a hand-assigned vector per text so tests control which
// entries are close to which queries.
type mapEmbedder struct {
	vectors map[string][]float32
}

func (e *mapEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		out := make([]float32, len(v))
		copy(out, v)
		return out, nil
	}
	return nil, fmt.Errorf("no vector mapped for %q", text)
}

func (e *mapEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *mapEmbedder) Dimensions() int                         { return 3 }
func (e *mapEmbedder) CheckAvailable(ctx context.Context) bool { return true }
func (e *mapEmbedder) Close() error                            { return nil }

// recordingGenerator captures the prompt it was asked to complete.
type recordingGenerator struct {
	calls  int
	model  string
	system string
	user   string
	reply  string
	chunks []string
	err    error
}

func (g *recordingGenerator) Generate(ctx context.Context, model, system, user string) (string, error) {
	g.calls++
	g.model, g.system, g.user = model, system, user
	return g.reply, g.err
}

func (g *recordingGenerator) GenerateStream(ctx context.Context, model, system, user string, fn func(chunk string) error) error {
	g.calls++
	g.model, g.system, g.user = model, system, user
	if g.err != nil {
		return g.err
	}
	for _, c := range g.chunks {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func newTestEngine(t *testing.T, local, hosted llm.Generator) (*Engine, storage.Store, *vector.FlatIndex, *mapEmbedder) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	index, err := vector.NewFlatIndex(3, "")
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	embedder := &mapEmbedder{vectors: map[string][]float32{}}
	engine := New(store, index, embedder, local, hosted, Config{MaxSnippets: 5, DefaultModel: "llama3.1:8b"}, zap.NewNop())
	return engine, store, index, embedder
}

// seedEntry captures an entry and indexes it under the given direction.
func seedEntry(t *testing.T, store storage.Store, index *vector.FlatIndex, emb *mapEmbedder, text string, vec []float32) int64 {
	t.Helper()
	entry, err := store.CreateEntry(context.Background(), text, "test", "api", nil)
	if err != nil {
		t.Fatalf("failed to create entry: %v", err)
	}
	emb.vectors[text] = vec
	pos, err := index.Add(entry.ID, vec)
	if err != nil {
		t.Fatalf("failed to index entry: %v", err)
	}
	if err := store.MarkEmbedded(context.Background(), entry.ID, pos); err != nil {
		t.Fatalf("failed to mark embedded: %v", err)
	}
	return entry.ID
}

func TestSemanticSearchEmptyIndex(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, &recordingGenerator{}, nil)

	snippets, err := engine.SemanticSearch(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("SemanticSearch failed: %v", err)
	}
	if len(snippets) != 0 {
		t.Errorf("expected no snippets from empty index, got %d", len(snippets))
	}
}

func TestSemanticSearchRanksByDistance(t *testing.T) {
	engine, store, index, emb := newTestEngine(t, &recordingGenerator{}, nil)

	goID := seedEntry(t, store, index, emb, "go channels note", []float32{1, 0, 0})
	seedEntry(t, store, index, emb, "sourdough recipe", []float32{0, 1, 0})
	seedEntry(t, store, index, emb, "tax deadline", []float32{0, 0, 1})
	emb.vectors["question about go"] = []float32{0.9, 0.1, 0}

	snippets, err := engine.SemanticSearch(context.Background(), "question about go", 2)
	if err != nil {
		t.Fatalf("SemanticSearch failed: %v", err)
	}
	if len(snippets) != 2 {
		t.Fatalf("expected 2 snippets, got %d", len(snippets))
	}
	if snippets[0].EntryID != goID {
		t.Errorf("expected entry %d ranked first, got %d", goID, snippets[0].EntryID)
	}
	if snippets[0].Score <= snippets[1].Score {
		t.Errorf("expected descending scores, got %f then %f", snippets[0].Score, snippets[1].Score)
	}
}

func TestSemanticSearchDropsDeletedEntries(t *testing.T) {
	engine, store, index, emb := newTestEngine(t, &recordingGenerator{}, nil)

	staleID := seedEntry(t, store, index, emb, "deleted note", []float32{1, 0, 0})
	keptID := seedEntry(t, store, index, emb, "kept note", []float32{0.9, 0.1, 0})
	if _, err := store.DeleteEntry(context.Background(), staleID); err != nil {
		t.Fatalf("failed to delete entry: %v", err)
	}
	emb.vectors["query"] = []float32{1, 0, 0}

	snippets, err := engine.SemanticSearch(context.Background(), "query", 5)
	if err != nil {
		t.Fatalf("SemanticSearch failed: %v", err)
	}
	if len(snippets) != 1 || snippets[0].EntryID != keptID {
		t.Fatalf("expected only entry %d, got %+v", keptID, snippets)
	}
}

func TestAnswerFallbackWithoutResults(t *testing.T) {
	local := &recordingGenerator{reply: "should not be called"}
	engine, _, _, _ := newTestEngine(t, local, nil)

	answer, err := engine.Answer(context.Background(), "anything", "", 5)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if answer.Answer != FallbackAnswer {
		t.Errorf("expected fallback answer, got %q", answer.Answer)
	}
	if len(answer.Sources) != 0 {
		t.Errorf("expected no sources, got %d", len(answer.Sources))
	}
	if local.calls != 0 {
		t.Errorf("generator should not be called without snippets, got %d calls", local.calls)
	}
}

func TestAnswerGroundsPromptInSnippets(t *testing.T) {
	local := &recordingGenerator{reply: "Use buffered channels [1]."}
	engine, store, index, emb := newTestEngine(t, local, nil)

	id := seedEntry(t, store, index, emb, "buffered channels decouple sender and receiver", []float32{1, 0, 0})
	emb.vectors["how do channels work"] = []float32{1, 0, 0}

	answer, err := engine.Answer(context.Background(), "how do channels work", "", 5)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if answer.Answer != local.reply {
		t.Errorf("expected generator reply, got %q", answer.Answer)
	}
	if answer.Model != "llama3.1:8b" {
		t.Errorf("expected default model, got %q", answer.Model)
	}
	if len(answer.Sources) != 1 || answer.Sources[0].ID != id {
		t.Fatalf("expected one source for entry %d, got %+v", id, answer.Sources)
	}
	if !strings.Contains(local.user, fmt.Sprintf("[%d] buffered channels", id)) {
		t.Errorf("prompt missing bracketed snippet id: %q", local.user)
	}
	if !strings.Contains(local.user, "Question: how do channels work") {
		t.Errorf("prompt missing question: %q", local.user)
	}
	if !strings.Contains(local.system, "150 words") {
		t.Errorf("system prompt missing length constraint: %q", local.system)
	}
}

func TestAnswerHostedModelRequiresClient(t *testing.T) {
	engine, store, index, emb := newTestEngine(t, &recordingGenerator{}, nil)

	seedEntry(t, store, index, emb, "some note", []float32{1, 0, 0})
	emb.vectors["query"] = []float32{1, 0, 0}

	_, err := engine.Answer(context.Background(), "query", "gpt-4o", 5)
	if !errors.Is(err, llm.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestAnswerRoutesHostedModel(t *testing.T) {
	local := &recordingGenerator{reply: "local"}
	hosted := &recordingGenerator{reply: "hosted"}
	engine, store, index, emb := newTestEngine(t, local, hosted)

	seedEntry(t, store, index, emb, "some note", []float32{1, 0, 0})
	emb.vectors["query"] = []float32{1, 0, 0}

	answer, err := engine.Answer(context.Background(), "query", "gpt-4o", 5)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if answer.Answer != "hosted" {
		t.Errorf("expected hosted reply, got %q", answer.Answer)
	}
	if local.calls != 0 {
		t.Errorf("local generator should not be called, got %d calls", local.calls)
	}
	if hosted.model != "gpt-4o" {
		t.Errorf("expected model gpt-4o passed through, got %q", hosted.model)
	}
}

func collectEvents(t *testing.T, events <-chan models.StreamEvent) []models.StreamEvent {
	t.Helper()
	var out []models.StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out collecting events, got %d so far", len(out))
		}
	}
}

func TestAnswerStreamEventOrder(t *testing.T) {
	local := &recordingGenerator{chunks: []string{"Buffered ", "channels ", "[1]."}}
	engine, store, index, emb := newTestEngine(t, local, nil)

	id := seedEntry(t, store, index, emb, "buffered channels note", []float32{1, 0, 0})
	emb.vectors["query"] = []float32{1, 0, 0}

	events, err := engine.AnswerStream(context.Background(), "query", "", 5)
	if err != nil {
		t.Fatalf("AnswerStream failed: %v", err)
	}
	got := collectEvents(t, events)

	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d: %+v", len(got), got)
	}
	if got[0].Type != models.StreamEventMetadata {
		t.Errorf("expected metadata first, got %q", got[0].Type)
	}
	if len(got[0].Sources) != 1 || got[0].Sources[0].ID != id {
		t.Errorf("metadata sources wrong: %+v", got[0].Sources)
	}
	var answer strings.Builder
	for _, ev := range got[1:4] {
		if ev.Type != models.StreamEventChunk {
			t.Errorf("expected answer_chunk, got %q", ev.Type)
		}
		answer.WriteString(ev.Content)
	}
	if answer.String() != "Buffered channels [1]." {
		t.Errorf("unexpected assembled answer: %q", answer.String())
	}
	if got[4].Type != models.StreamEventDone {
		t.Errorf("expected done last, got %q", got[4].Type)
	}
}

func TestAnswerStreamFallbackWithoutResults(t *testing.T) {
	local := &recordingGenerator{}
	engine, _, _, _ := newTestEngine(t, local, nil)

	events, err := engine.AnswerStream(context.Background(), "anything", "", 5)
	if err != nil {
		t.Fatalf("AnswerStream failed: %v", err)
	}
	got := collectEvents(t, events)

	if len(got) != 3 {
		t.Fatalf("expected metadata, fallback chunk, done; got %+v", got)
	}
	if got[1].Content != FallbackAnswer {
		t.Errorf("expected fallback chunk, got %q", got[1].Content)
	}
	if local.calls != 0 {
		t.Errorf("generator should not be called without snippets, got %d calls", local.calls)
	}
}

func TestAnswerStreamProviderError(t *testing.T) {
	local := &recordingGenerator{err: errors.New("model exploded")}
	engine, store, index, emb := newTestEngine(t, local, nil)

	seedEntry(t, store, index, emb, "some note", []float32{1, 0, 0})
	emb.vectors["query"] = []float32{1, 0, 0}

	events, err := engine.AnswerStream(context.Background(), "query", "", 5)
	if err != nil {
		t.Fatalf("AnswerStream failed: %v", err)
	}
	got := collectEvents(t, events)

	last := got[len(got)-1]
	if last.Type != models.StreamEventError {
		t.Fatalf("expected terminal error event, got %+v", got)
	}
	if !strings.Contains(last.Content, "model exploded") {
		t.Errorf("error event missing cause: %q", last.Content)
	}
}

func TestAnswerStreamContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	local := &recordingGenerator{chunks: []string{"a", "b", "c"}}
	engine, store, index, emb := newTestEngine(t, local, nil)

	seedEntry(t, store, index, emb, "some note", []float32{1, 0, 0})
	emb.vectors["query"] = []float32{1, 0, 0}

	events, err := engine.AnswerStream(ctx, "query", "", 5)
	if err != nil {
		t.Fatalf("AnswerStream failed: %v", err)
	}
	cancel()

	// The channel must close without a terminal done event after cancel, or
	// finish normally if the fake raced ahead; either way it must close.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("event channel not closed after cancel")
		}
	}
}
