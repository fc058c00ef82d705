package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnalyticsRepo persists error log entries, per-stage timing metrics, and
// post-run document summaries.
type AnalyticsRepo struct {
	db DB
}

// NewAnalyticsRepo creates a new analytics repository.
func NewAnalyticsRepo(db DB) *AnalyticsRepo {
	return &AnalyticsRepo{db: db}
}

// RecordError writes one error log entry and returns its generated ID,
// which callers surface to operators as the error reference.
func (r *AnalyticsRepo) RecordError(ctx context.Context, e *ErrorLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO error_log (id, document_id, stage_name, correlation_id,
			classification, retry_attempt, message, stacktrace, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.DocumentID, e.Stage, e.CorrelationID, e.Classification,
		e.RetryAttempt, e.Message, e.Stacktrace, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

// ListErrorsByDocument returns a document's error log, newest first.
func (r *AnalyticsRepo) ListErrorsByDocument(ctx context.Context, documentID uuid.UUID) ([]ErrorLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, document_id, stage_name, correlation_id, classification,
			retry_attempt, message, stacktrace, created_at
		FROM error_log
		WHERE document_id = $1
		ORDER BY created_at DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer rows.Close()

	var entries []ErrorLogEntry
	for rows.Next() {
		var e ErrorLogEntry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Stage, &e.CorrelationID,
			&e.Classification, &e.RetryAttempt, &e.Message, &e.Stacktrace,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan error entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordStageMetric writes one stage timing sample.
func (r *AnalyticsRepo) RecordStageMetric(ctx context.Context, m *StageMetricEntry) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stage_metrics (id, document_id, stage_name, processing_time_ms,
			success, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.DocumentID, m.Stage, m.ProcessingTime.Milliseconds(),
		m.Success, m.CorrelationID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("record stage metric: %w", err)
	}
	return nil
}

// RecordStageMetrics writes a batch of timing samples in one round trip per
// row. Used by the async metrics writer when flushing its buffer.
func (r *AnalyticsRepo) RecordStageMetrics(ctx context.Context, metrics []StageMetricEntry) error {
	for i := range metrics {
		if err := r.RecordStageMetric(ctx, &metrics[i]); err != nil {
			return err
		}
	}
	return nil
}

// RecordSearchAnalytics writes one post-processing summary row for a document.
func (r *AnalyticsRepo) RecordSearchAnalytics(ctx context.Context, a *SearchAnalyticsEntry) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.IndexedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO search_analytics (id, document_id, chunks_count, embeddings_count,
			images_count, links_count, videos_count, processing_time_ms, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.DocumentID, a.ChunksCount, a.EmbeddingsCount, a.ImagesCount,
		a.LinksCount, a.VideosCount, a.ProcessingTime.Milliseconds(), a.IndexedAt)
	if err != nil {
		return fmt.Errorf("record search analytics: %w", err)
	}
	return nil
}

// StageTimings aggregates average stage duration across all documents.
func (r *AnalyticsRepo) StageTimings(ctx context.Context) (map[string]time.Duration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT stage_name, AVG(processing_time_ms)::bigint
		FROM stage_metrics
		WHERE success = TRUE
		GROUP BY stage_name`)
	if err != nil {
		return nil, fmt.Errorf("stage timings: %w", err)
	}
	defer rows.Close()

	timings := make(map[string]time.Duration)
	for rows.Next() {
		var stage string
		var ms int64
		if err := rows.Scan(&stage, &ms); err != nil {
			return nil, fmt.Errorf("scan stage timing: %w", err)
		}
		timings[stage] = time.Duration(ms) * time.Millisecond
	}
	return timings, rows.Err()
}
