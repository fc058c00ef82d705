package embedding

import (
	"context"
	"fmt"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/observability"
)

const (
	defaultBatchSize    = 100
	defaultMinBatchSize = 10
	defaultMaxBatchSize = 200
	defaultGrowStreak   = 3
)

// AdaptiveBatcher slices large embedding workloads into batches whose size
// follows the model server's capacity: resource-limit failures halve the
// batch down to the minimum, a streak of clean batches grows it back.
type AdaptiveBatcher struct {
	embedder Embedder
	log      *observability.Logger

	batchSize   int
	minSize     int
	maxSize     int
	growStreak  int
	cleanStreak int
}

// BatchResult carries the vectors for one contiguous slice of the input.
type BatchResult struct {
	Start   int
	Vectors [][]float32
}

// NewAdaptiveBatcher creates a batcher around the given embedder.
func NewAdaptiveBatcher(embedder Embedder, cfg config.EmbeddingConfig, log *observability.Logger) *AdaptiveBatcher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	minSize := cfg.MinBatchSize
	if minSize <= 0 {
		minSize = defaultMinBatchSize
	}
	maxSize := cfg.MaxBatchSize
	if maxSize <= 0 {
		maxSize = defaultMaxBatchSize
	}
	if maxSize < batchSize {
		maxSize = batchSize
	}
	growStreak := cfg.GrowStreak
	if growStreak <= 0 {
		growStreak = defaultGrowStreak
	}

	return &AdaptiveBatcher{
		embedder:   embedder,
		log:        log.WithComponent("adaptive_batcher"),
		batchSize:  batchSize,
		minSize:    minSize,
		maxSize:    maxSize,
		growStreak: growStreak,
	}
}

// BatchSize returns the current batch size.
func (b *AdaptiveBatcher) BatchSize() int {
	return b.batchSize
}

// EmbedAll embeds every text, invoking sink once per completed batch with
// the batch's offset into texts. A resource-limit failure shrinks the batch
// and retries the same slice; any other failure, or a failure at the
// minimum size, aborts.
func (b *AdaptiveBatcher) EmbedAll(ctx context.Context, texts []string, sink func(BatchResult) error) error {
	for start := 0; start < len(texts); {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + b.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := b.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			if IsResourceLimit(err) && b.batchSize > b.minSize {
				b.shrink()
				continue
			}
			return fmt.Errorf("embed batch at offset %d: %w", start, err)
		}

		b.recordSuccess()

		if err := sink(BatchResult{Start: start, Vectors: vecs}); err != nil {
			return err
		}
		start = end
	}
	return nil
}

func (b *AdaptiveBatcher) shrink() {
	old := b.batchSize
	b.batchSize /= 2
	if b.batchSize < b.minSize {
		b.batchSize = b.minSize
	}
	b.cleanStreak = 0
	b.log.Warn().
		Int("old_batch_size", old).
		Int("new_batch_size", b.batchSize).
		Msg("model server resource limit, shrinking batch")
}

func (b *AdaptiveBatcher) recordSuccess() {
	if b.batchSize >= b.maxSize {
		return
	}
	b.cleanStreak++
	if b.cleanStreak < b.growStreak {
		return
	}
	old := b.batchSize
	b.batchSize *= 2
	if b.batchSize > b.maxSize {
		b.batchSize = b.maxSize
	}
	b.cleanStreak = 0
	b.log.Debug().
		Int("old_batch_size", old).
		Int("new_batch_size", b.batchSize).
		Msg("clean streak, growing batch")
}
