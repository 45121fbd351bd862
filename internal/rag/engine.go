// Package rag implements the retrieval engine: semantic search over the
// vector index plus grounded answer generation.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/localrecall/localrecall/internal/embedding"
	"github.com/localrecall/localrecall/internal/llm"
	"github.com/localrecall/localrecall/internal/models"
	"github.com/localrecall/localrecall/internal/storage"
	"github.com/localrecall/localrecall/internal/vector"
)

// FallbackAnswer is returned verbatim when retrieval produces no snippets.
// No generation call is made in that case.
const FallbackAnswer = "I don't have enough local context to answer this."

// systemPrompt constrains the model to the retrieved snippets. Snippet ids
// appear in brackets so the model can cite them the same way.
const systemPrompt = `You are a personal knowledge assistant. Answer the question using ONLY the provided context snippets. Each snippet is prefixed with its id in brackets, like [12]. Cite the ids of the snippets you used, in brackets. If the context does not contain the answer, say so. Keep the answer under 150 words.`

// Config holds engine tuning knobs.
type Config struct {
	MaxSnippets  int
	DefaultModel string
}

// Engine answers queries against the captured corpus. Hosted may be nil when
// no hosted credential is configured; routing a query to a hosted model then
// fails with llm.ErrNotConfigured before any call is attempted.
type Engine struct {
	store    storage.Store
	index    *vector.FlatIndex
	embedder embedding.Embedder
	local    llm.Generator
	hosted   llm.Generator
	logger   *zap.Logger

	maxSnippets  int
	defaultModel string
}

// New creates a retrieval engine.
func New(store storage.Store, index *vector.FlatIndex, embedder embedding.Embedder, local, hosted llm.Generator, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxSnippets <= 0 {
		cfg.MaxSnippets = 5
	}
	return &Engine{
		store:        store,
		index:        index,
		embedder:     embedder,
		local:        local,
		hosted:       hosted,
		logger:       logger,
		maxSnippets:  cfg.MaxSnippets,
		defaultModel: cfg.DefaultModel,
	}
}

// SemanticSearch embeds the query and returns up to k snippets ordered by
// descending score. An empty index yields an empty slice, not an error. Hits
// whose backing entry has been deleted from the store are dropped.
func (e *Engine) SemanticSearch(ctx context.Context, query string, k int) ([]models.RetrievedSnippet, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if k <= 0 {
		k = e.maxSnippets
	}
	if e.index.Size() == 0 {
		return []models.RetrievedSnippet{}, nil
	}

	queryEmb, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := e.index.Search(queryEmb, k)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	snippets := make([]models.RetrievedSnippet, 0, len(results))
	for _, r := range results {
		entry, err := e.store.GetEntry(ctx, r.EntryID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				e.logger.Debug("dropping stale index hit", zap.Int64("entry_id", r.EntryID))
				continue
			}
			return nil, fmt.Errorf("load entry %d: %w", r.EntryID, err)
		}
		snippets = append(snippets, models.RetrievedSnippet{
			EntryID:   entry.ID,
			Text:      entry.Content,
			Score:     r.Score,
			Source:    entry.Source,
			Timestamp: entry.Timestamp,
		})
	}
	return snippets, nil
}

// Answer runs retrieval then generation and returns the complete answer with
// its sources. When no snippets are retrieved the fixed fallback answer is
// returned with empty sources and no provider is called.
func (e *Engine) Answer(ctx context.Context, query, model string, k int) (*models.Answer, error) {
	model = e.resolveModel(model)
	snippets, err := e.SemanticSearch(ctx, query, k)
	if err != nil {
		return nil, err
	}

	answer := &models.Answer{
		Query:   query,
		Model:   model,
		Sources: sourcesOf(snippets),
	}
	if len(snippets) == 0 {
		answer.Answer = FallbackAnswer
		return answer, nil
	}

	gen, provider, err := e.generatorFor(model)
	if err != nil {
		return nil, err
	}
	text, err := gen.Generate(ctx, provider.Model, systemPrompt, buildPrompt(query, snippets))
	if err != nil {
		return nil, err
	}
	answer.Answer = text
	return answer, nil
}

// AnswerStream runs retrieval then streams the generated answer as an event
// channel: one metadata event with the sources, zero or more answer_chunk
// events, then exactly one done or error event. The channel is closed after
// the terminal event. Canceling ctx abandons the provider call; the consumer
// drains whatever was already buffered.
func (e *Engine) AnswerStream(ctx context.Context, query, model string, k int) (<-chan models.StreamEvent, error) {
	model = e.resolveModel(model)
	snippets, err := e.SemanticSearch(ctx, query, k)
	if err != nil {
		return nil, err
	}

	events := make(chan models.StreamEvent, 8)
	send := func(ev models.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(events)

		if !send(models.StreamEvent{
			Type:    models.StreamEventMetadata,
			Sources: sourcesOf(snippets),
			Query:   query,
			Model:   model,
		}) {
			return
		}

		if len(snippets) == 0 {
			if !send(models.StreamEvent{Type: models.StreamEventChunk, Content: FallbackAnswer}) {
				return
			}
			send(models.StreamEvent{Type: models.StreamEventDone})
			return
		}

		gen, provider, err := e.generatorFor(model)
		if err != nil {
			send(models.StreamEvent{Type: models.StreamEventError, Content: err.Error()})
			return
		}

		err = gen.GenerateStream(ctx, provider.Model, systemPrompt, buildPrompt(query, snippets), func(chunk string) error {
			if !send(models.StreamEvent{Type: models.StreamEventChunk, Content: chunk}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(models.StreamEvent{Type: models.StreamEventError, Content: err.Error()})
			return
		}
		send(models.StreamEvent{Type: models.StreamEventDone})
	}()

	return events, nil
}

// resolveModel falls back to the configured default when model is empty.
func (e *Engine) resolveModel(model string) string {
	if model == "" {
		return e.defaultModel
	}
	return model
}

// generatorFor routes the model name to a configured generator.
func (e *Engine) generatorFor(model string) (llm.Generator, llm.Provider, error) {
	provider := llm.Route(model)
	switch provider.Kind {
	case llm.ProviderHosted:
		if e.hosted == nil {
			return nil, provider, fmt.Errorf("%w: model %q requires an OpenAI API key", llm.ErrNotConfigured, model)
		}
		return e.hosted, provider, nil
	default:
		return e.local, provider, nil
	}
}

// buildPrompt assembles the user prompt: snippets in descending score order,
// each prefixed with its entry id in brackets, then the question.
func buildPrompt(query string, snippets []models.RetrievedSnippet) string {
	var b strings.Builder
	b.WriteString("Context:\n\n")
	for _, s := range snippets {
		fmt.Fprintf(&b, "[%d] %s\n\n", s.EntryID, s.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}

func sourcesOf(snippets []models.RetrievedSnippet) []models.Source {
	sources := make([]models.Source, len(snippets))
	for i, s := range snippets {
		sources[i] = models.Source{
			ID:        s.EntryID,
			Score:     s.Score,
			Source:    s.Source,
			Timestamp: s.Timestamp,
		}
	}
	return sources
}
