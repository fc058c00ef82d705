package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocumentsRepo manages document rows and their fingerprints.
type DocumentsRepo struct {
	db DB
}

// NewDocumentsRepo creates a new documents repository.
func NewDocumentsRepo(db DB) *DocumentsRepo {
	return &DocumentsRepo{db: db}
}

// Create inserts a new document.
func (r *DocumentsRepo) Create(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = DocumentStatusUploaded
	}
	if d.DocumentType == "" {
		d.DocumentType = "unknown"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (
			id, file_hash, filename, file_path, storage_path, file_size,
			page_count, manufacturer, model, series, document_type, language,
			version, status, search_ready, thumbnail_url, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		d.ID, d.FileHash, d.Filename, d.FilePath, d.StoragePath, d.FileSize,
		d.PageCount, d.Manufacturer, d.Model, d.Series, d.DocumentType, d.Language,
		d.Version, d.Status, d.SearchReady, d.ThumbnailURL, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

const documentColumns = `
	id, file_hash, filename, file_path, storage_path, file_size, page_count,
	COALESCE(manufacturer, ''), COALESCE(model, ''), COALESCE(series, ''),
	document_type, COALESCE(language, ''), COALESCE(version, ''), status,
	search_ready, COALESCE(thumbnail_url, ''), created_at, updated_at`

func scanDocument(row interface{ Scan(...interface{}) error }) (*Document, error) {
	var d Document
	err := row.Scan(
		&d.ID, &d.FileHash, &d.Filename, &d.FilePath, &d.StoragePath, &d.FileSize,
		&d.PageCount, &d.Manufacturer, &d.Model, &d.Series, &d.DocumentType,
		&d.Language, &d.Version, &d.Status, &d.SearchReady, &d.ThumbnailURL,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &d, nil
}

// GetByID fetches a document by primary key.
func (r *DocumentsRepo) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

// GetByFileHash fetches a document by its content hash.
func (r *DocumentsRepo) GetByFileHash(ctx context.Context, hash string) (*Document, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE file_hash = $1`, hash)
	return scanDocument(row)
}

// Update persists the mutable document fields.
func (r *DocumentsRepo) Update(ctx context.Context, d *Document) error {
	d.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE documents SET
			filename = $2, file_path = $3, storage_path = $4, file_size = $5,
			page_count = $6, manufacturer = $7, model = $8, series = $9,
			document_type = $10, language = $11, version = $12, status = $13,
			search_ready = $14, thumbnail_url = $15, updated_at = $16
		WHERE id = $1`,
		d.ID, d.Filename, d.FilePath, d.StoragePath, d.FileSize,
		d.PageCount, d.Manufacturer, d.Model, d.Series,
		d.DocumentType, d.Language, d.Version, d.Status,
		d.SearchReady, d.ThumbnailURL, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// UpdateClassification writes the classification outcome.
func (r *DocumentsRepo) UpdateClassification(ctx context.Context, id uuid.UUID, manufacturer, model, series, documentType, language, version string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE documents SET
			manufacturer = $2, model = $3, series = $4, document_type = $5,
			language = $6, version = $7, updated_at = now()
		WHERE id = $1`,
		id, manufacturer, model, series, documentType, language, version)
	if err != nil {
		return fmt.Errorf("update classification: %w", err)
	}
	return nil
}

// SetSearchReady flips the search readiness flag.
func (r *DocumentsRepo) SetSearchReady(ctx context.Context, id uuid.UUID, ready bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET search_ready = $2, updated_at = now() WHERE id = $1`, id, ready)
	if err != nil {
		return fmt.Errorf("set search ready: %w", err)
	}
	return nil
}

// SetThumbnail records the thumbnail storage URL.
func (r *DocumentsRepo) SetThumbnail(ctx context.Context, id uuid.UUID, url string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET thumbnail_url = $2, updated_at = now() WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("set thumbnail: %w", err)
	}
	return nil
}

// SetStatus moves the document through its lifecycle.
func (r *DocumentsRepo) SetStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	return nil
}

// Delete removes a document; owned rows cascade.
func (r *DocumentsRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// CreateFingerprint records the upload fingerprint for intelligence reuse.
func (r *DocumentsRepo) CreateFingerprint(ctx context.Context, f *DocumentFingerprint) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO document_fingerprints (id, document_id, file_hash, normalized_name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id) DO UPDATE SET file_hash = EXCLUDED.file_hash,
			normalized_name = EXCLUDED.normalized_name`,
		f.ID, f.DocumentID, f.FileHash, f.NormalizedName, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create fingerprint: %w", err)
	}
	return nil
}

// MarkersRepo manages stage completion markers.
type MarkersRepo struct {
	db DB
}

// NewMarkersRepo creates a new markers repository.
func NewMarkersRepo(db DB) *MarkersRepo {
	return &MarkersRepo{db: db}
}

// Get returns the completion marker for (document, stage), or ErrNotFound.
func (r *MarkersRepo) Get(ctx context.Context, documentID uuid.UUID, stage string) (*StageCompletionMarker, error) {
	var m StageCompletionMarker
	var metadata []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT document_id, stage_name, completed_at, data_hash, metadata
		FROM stage_completion_markers
		WHERE document_id = $1 AND stage_name = $2`,
		documentID, stage).Scan(&m.DocumentID, &m.Stage, &m.CompletedAt, &m.DataHash, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get marker: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode marker metadata: %w", err)
		}
	}
	return &m, nil
}

// Put upserts a completion marker.
func (r *MarkersRepo) Put(ctx context.Context, m *StageCompletionMarker) error {
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode marker metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO stage_completion_markers (document_id, stage_name, completed_at, data_hash, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, stage_name) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			data_hash = EXCLUDED.data_hash,
			metadata = EXCLUDED.metadata`,
		m.DocumentID, m.Stage, m.CompletedAt, m.DataHash, metadata)
	if err != nil {
		return fmt.Errorf("put marker: %w", err)
	}
	return nil
}

// Delete removes the marker for (document, stage).
func (r *MarkersRepo) Delete(ctx context.Context, documentID uuid.UUID, stage string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM stage_completion_markers
		WHERE document_id = $1 AND stage_name = $2`, documentID, stage)
	if err != nil {
		return fmt.Errorf("delete marker: %w", err)
	}
	return nil
}

// ListByDocument returns all markers for a document.
func (r *MarkersRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]StageCompletionMarker, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document_id, stage_name, completed_at, data_hash, metadata
		FROM stage_completion_markers
		WHERE document_id = $1
		ORDER BY completed_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	defer rows.Close()

	var markers []StageCompletionMarker
	for rows.Next() {
		var m StageCompletionMarker
		var metadata []byte
		if err := rows.Scan(&m.DocumentID, &m.Stage, &m.CompletedAt, &m.DataHash, &metadata); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode marker metadata: %w", err)
			}
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// StatusRepo manages per-stage status rows.
type StatusRepo struct {
	db DB
}

// NewStatusRepo creates a new stage-status repository.
func NewStatusRepo(db DB) *StatusRepo {
	return &StatusRepo{db: db}
}

// Upsert writes the status row for (document, stage).
func (r *StatusRepo) Upsert(ctx context.Context, s *StageStatus) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stage_status (
			document_id, stage_name, status, started_at, finished_at,
			error, progress, retry_attempt, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (document_id, stage_name) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = COALESCE(EXCLUDED.started_at, stage_status.started_at),
			finished_at = EXCLUDED.finished_at,
			error = EXCLUDED.error,
			progress = EXCLUDED.progress,
			retry_attempt = EXCLUDED.retry_attempt,
			next_retry_at = EXCLUDED.next_retry_at`,
		s.DocumentID, s.Stage, s.Status, s.StartedAt, s.FinishedAt,
		s.Error, s.Progress, s.RetryAttempt, s.NextRetryAt)
	if err != nil {
		return fmt.Errorf("upsert stage status: %w", err)
	}
	return nil
}

func scanStageStatus(row interface{ Scan(...interface{}) error }) (*StageStatus, error) {
	var s StageStatus
	var started, finished, nextRetry sql.NullTime
	err := row.Scan(&s.DocumentID, &s.Stage, &s.Status, &started, &finished,
		&s.Error, &s.Progress, &s.RetryAttempt, &nextRetry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan stage status: %w", err)
	}
	if started.Valid {
		s.StartedAt = &started.Time
	}
	if finished.Valid {
		s.FinishedAt = &finished.Time
	}
	if nextRetry.Valid {
		s.NextRetryAt = &nextRetry.Time
	}
	return &s, nil
}

// Get returns the status for (document, stage), or ErrNotFound.
func (r *StatusRepo) Get(ctx context.Context, documentID uuid.UUID, stage string) (*StageStatus, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT document_id, stage_name, status, started_at, finished_at,
			error, progress, retry_attempt, next_retry_at
		FROM stage_status
		WHERE document_id = $1 AND stage_name = $2`, documentID, stage)
	return scanStageStatus(row)
}

// ListByDocument returns every stage-status row for a document.
func (r *StatusRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]StageStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document_id, stage_name, status, started_at, finished_at,
			error, progress, retry_attempt, next_retry_at
		FROM stage_status
		WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list stage statuses: %w", err)
	}
	defer rows.Close()

	var statuses []StageStatus
	for rows.Next() {
		s, err := scanStageStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *s)
	}
	return statuses, rows.Err()
}

// ListPendingRetries returns in-progress rows whose scheduled retry is due.
func (r *StatusRepo) ListPendingRetries(ctx context.Context, before time.Time) ([]StageStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT document_id, stage_name, status, started_at, finished_at,
			error, progress, retry_attempt, next_retry_at
		FROM stage_status
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2`,
		StageStateInProgress, before)
	if err != nil {
		return nil, fmt.Errorf("list pending retries: %w", err)
	}
	defer rows.Close()

	var statuses []StageStatus
	for rows.Next() {
		s, err := scanStageStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *s)
	}
	return statuses, rows.Err()
}

// QueueRepo manages the storage-stage artifact queue.
type QueueRepo struct {
	db DB
}

// NewQueueRepo creates a new processing-queue repository.
func NewQueueRepo(db DB) *QueueRepo {
	return &QueueRepo{db: db}
}

// Enqueue inserts a pending queue item.
func (r *QueueRepo) Enqueue(ctx context.Context, item *QueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.Stage == "" {
		item.Stage = "storage"
	}
	if item.Status == "" {
		item.Status = QueueStatePending
	}
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("encode queue payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO processing_queue (id, document_id, stage, artifact_type, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		item.ID, item.DocumentID, item.Stage, item.ArtifactType, item.Status, payload,
		item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue artifact: %w", err)
	}
	return nil
}

// ListPending returns pending items for a document in insertion order.
func (r *QueueRepo) ListPending(ctx context.Context, documentID uuid.UUID, limit int) ([]QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, document_id, stage, artifact_type, status, payload, created_at, updated_at
		FROM processing_queue
		WHERE document_id = $1 AND status = $2
		ORDER BY created_at
		LIMIT $3`, documentID, QueueStatePending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending queue items: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		var payload []byte
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Stage, &item.ArtifactType,
			&item.Status, &payload, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &item.Payload); err != nil {
				return nil, fmt.Errorf("decode queue payload: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkFailed marks one queue item failed; it stays visible for inspection.
func (r *QueueRepo) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE processing_queue SET status = $2, updated_at = now() WHERE id = $1`,
		id, QueueStateFailed)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	return nil
}

// Delete removes one queue item.
func (r *QueueRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM processing_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	return nil
}

// UpdatePayload replaces the payload of a queued item. The visual stage uses
// this to attach vision analysis before the storage stage materializes rows.
func (r *QueueRepo) UpdatePayload(ctx context.Context, id uuid.UUID, payload QueuePayload) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode queue payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE processing_queue SET payload = $2, updated_at = now() WHERE id = $1`, id, encoded)
	if err != nil {
		return fmt.Errorf("update queue payload: %w", err)
	}
	return nil
}

// DeleteByArtifact drops every pending item of one artifact type for a
// document. Extraction stages call this from cleanup before re-queueing.
func (r *QueueRepo) DeleteByArtifact(ctx context.Context, documentID uuid.UUID, artifact ArtifactType) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM processing_queue
		WHERE document_id = $1 AND artifact_type = $2 AND status = $3`,
		documentID, artifact, QueueStatePending)
	if err != nil {
		return 0, fmt.Errorf("delete queue items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountPending counts not-yet-consumed items for a document.
func (r *QueueRepo) CountPending(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_queue
		WHERE document_id = $1 AND status = $2`, documentID, QueueStatePending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending queue items: %w", err)
	}
	return count, nil
}
