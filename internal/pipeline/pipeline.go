// Package pipeline provides the background loop that embeds captured entries
// and commits them to the vector index.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/localrecall/localrecall/internal/embedding"
	"github.com/localrecall/localrecall/internal/storage"
	"github.com/localrecall/localrecall/internal/vector"
)

// Config holds pipeline tuning knobs.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	ErrorBackoff time.Duration
}

// Pipeline consumes unembedded entries from the store, embeds them in
// batches, appends the vectors to the index, and acknowledges completion back
// to the store. It never persists its own state: the store's unembedded flag
// is the sole source of truth for resumability, so a batch abandoned by Stop
// before acknowledgment is simply picked up again on the next Start.
type Pipeline struct {
	store    storage.Store
	embedder embedding.Embedder
	index    *vector.FlatIndex
	logger   *zap.Logger

	batchSize    int
	pollInterval time.Duration
	errorBackoff time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a pipeline with the given dependencies.
func New(store storage.Store, embedder embedding.Embedder, index *vector.FlatIndex, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 10 * time.Second
	}
	return &Pipeline{
		store:        store,
		embedder:     embedder,
		index:        index,
		logger:       logger,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		errorBackoff: cfg.ErrorBackoff,
	}
}

// Start launches the background loop. Calling Start on a running pipeline is
// a no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.logger.Warn("embedding pipeline already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.logger.Info("starting embedding pipeline", zap.Int("batch_size", p.batchSize))
	go p.run(ctx, p.done)
}

// Stop halts the loop and waits for it to exit. Safe to call at any point and
// idempotent; an in-flight batch either completes or is abandoned before
// store acknowledgment, which keeps it resumable.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.logger.Info("embedding pipeline stopped")
}

// Running reports whether the background loop is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// run is the supervised loop. Iteration errors are logged and followed by a
// longer backoff; the loop only exits via ctx cancellation.
func (p *Pipeline) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := p.RunOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("embedding pipeline iteration failed", zap.Error(err))
			if !sleepCtx(ctx, p.errorBackoff) {
				return
			}
		case n == 0:
			if !sleepCtx(ctx, p.pollInterval) {
				return
			}
		default:
			p.logger.Info("embedded entries", zap.Int("count", n))
		}
	}
}

// RunOnce performs a single pipeline iteration: pull one batch of unembedded
// entries, embed, append to the index in read order, acknowledge each entry
// with its assigned position, and snapshot the index. Returns the number of
// entries processed.
func (p *Pipeline) RunOnce(ctx context.Context) (int, error) {
	entries, err := p.store.ListUnembedded(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unembedded entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	texts := make([]string, len(entries))
	ids := make([]int64, len(entries))
	for i, e := range entries {
		texts[i] = e.Content
		ids[i] = e.ID
	}

	// Per-item failures degrade to zero vectors inside the embedder; the
	// batch itself only fails on programming errors.
	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed batch: %w", err)
	}

	positions, err := p.index.AddBatch(ids, embeddings)
	if err != nil {
		return 0, fmt.Errorf("append batch to index: %w", err)
	}

	// Acknowledgment happens strictly after the index append so the store's
	// embedded flag never points at a position that does not exist.
	for i, id := range ids {
		if err := p.store.MarkEmbedded(ctx, id, positions[i]); err != nil {
			return i, fmt.Errorf("mark entry %d embedded: %w", id, err)
		}
	}

	if err := p.index.Save(); err != nil {
		return len(entries), fmt.Errorf("save index snapshot: %w", err)
	}
	return len(entries), nil
}

// ReindexEntry embeds a single entry immediately, bypassing the poll loop.
func (p *Pipeline) ReindexEntry(ctx context.Context, id int64) error {
	entry, err := p.store.GetEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("load entry %d: %w", id, err)
	}

	emb, err := p.embedder.Embed(ctx, entry.Content)
	if err != nil {
		return fmt.Errorf("embed entry %d: %w", id, err)
	}

	pos, err := p.index.Add(entry.ID, emb)
	if err != nil {
		return fmt.Errorf("append entry %d to index: %w", id, err)
	}
	if err := p.store.MarkEmbedded(ctx, entry.ID, pos); err != nil {
		return fmt.Errorf("mark entry %d embedded: %w", id, err)
	}
	if err := p.index.Save(); err != nil {
		return fmt.Errorf("save index snapshot: %w", err)
	}
	p.logger.Info("reindexed entry", zap.Int64("entry_id", id), zap.Int64("position", pos))
	return nil
}

// sleepCtx sleeps for d or until ctx is canceled; returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
