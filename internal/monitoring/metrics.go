// Package monitoring buffers stage timing samples and flushes them to the
// analytics tables off the processing path.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/storage"
)

const (
	defaultBufferSize    = 1024
	defaultFlushInterval = 5 * time.Second
	defaultFlushBatch    = 64
	flushTimeout         = 10 * time.Second
)

// MetricsStore persists batches of stage metrics.
type MetricsStore interface {
	RecordStageMetrics(ctx context.Context, metrics []storage.StageMetricEntry) error
}

// AsyncWriter queues stage metrics in memory and writes them in batches
// from a background goroutine. Enqueueing never blocks stage execution:
// when the buffer is full the oldest sample is dropped to admit the new
// one. Implements the pipeline's MetricsSink.
type AsyncWriter struct {
	store MetricsStore
	log   *observability.Logger

	mu      sync.Mutex
	buf     []storage.StageMetricEntry
	maxSize int
	dropped int64

	flushInterval time.Duration
	wake          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// NewAsyncWriter starts the background flusher. Call Close to drain the
// buffer on shutdown.
func NewAsyncWriter(store MetricsStore, log *observability.Logger) *AsyncWriter {
	w := &AsyncWriter{
		store:         store,
		log:           log.WithComponent("metrics_writer"),
		maxSize:       defaultBufferSize,
		flushInterval: defaultFlushInterval,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	go w.run()
	return w
}

// RecordStageMetric enqueues one sample. The ctx is unused: persistence
// happens later on the flusher goroutine.
func (w *AsyncWriter) RecordStageMetric(_ context.Context, m *storage.StageMetricEntry) error {
	w.mu.Lock()
	if len(w.buf) >= w.maxSize {
		w.buf = w.buf[1:]
		w.dropped++
	}
	w.buf = append(w.buf, *m)
	pending := len(w.buf)
	w.mu.Unlock()

	if pending >= defaultFlushBatch {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Dropped reports how many samples were discarded due to buffer overflow.
func (w *AsyncWriter) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Pending reports how many samples await flushing.
func (w *AsyncWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Flush synchronously writes everything currently buffered.
func (w *AsyncWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := w.store.RecordStageMetrics(ctx, batch); err != nil {
		w.log.Warn().Int("batch_size", len(batch)).Err(err).Msg("metrics flush failed")
		return err
	}
	return nil
}

// Close drains the buffer and stops the flusher.
func (w *AsyncWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		err = w.Flush(ctx)
	})
	return err
}

func (w *AsyncWriter) run() {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
		case <-w.wake:
		}

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		_ = w.Flush(ctx)
		cancel()
	}
}
