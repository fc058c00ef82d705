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

// ChunksRepo manages chunk rows.
type ChunksRepo struct {
	db DB
}

// NewChunksRepo creates a new chunks repository.
func NewChunksRepo(db DB) *ChunksRepo {
	return &ChunksRepo{db: db}
}

// CreateBatch inserts chunks preserving their order. Chunk IDs must be
// assigned by the caller so prev/next links can reference them.
func (r *ChunksRepo) CreateBatch(ctx context.Context, chunks []Chunk) error {
	now := time.Now().UTC()
	for i := range chunks {
		c := &chunks[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.CreatedAt = now
		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("encode chunk metadata: %w", err)
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO chunks (id, document_id, chunk_index, text, fingerprint,
				page_start, page_end, chunk_type, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			c.ID, c.DocumentID, c.ChunkIndex, c.Text, c.Fingerprint,
			c.PageStart, c.PageEnd, c.ChunkType, metadata, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return nil
}

const chunkColumns = `id, document_id, chunk_index, text, fingerprint,
	page_start, page_end, chunk_type, metadata, created_at`

func scanChunk(row interface{ Scan(...interface{}) error }) (*Chunk, error) {
	var c Chunk
	var metadata []byte
	err := row.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Text, &c.Fingerprint,
		&c.PageStart, &c.PageEnd, &c.ChunkType, &metadata, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode chunk metadata: %w", err)
		}
	}
	return &c, nil
}

// GetByID fetches one chunk.
func (r *ChunksRepo) GetByID(ctx context.Context, id uuid.UUID) (*Chunk, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = $1`, id)
	return scanChunk(row)
}

// ListByDocument returns a document's chunks ordered by chunk_index.
func (r *ChunksRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]Chunk, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = $1 ORDER BY chunk_index`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

// UpdateMetadata rewrites one chunk's metadata document.
func (r *ChunksRepo) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata ChunkMetadata) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode chunk metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE chunks SET metadata = $2 WHERE id = $1`, id, encoded)
	if err != nil {
		return fmt.Errorf("update chunk metadata: %w", err)
	}
	return nil
}

// DeleteByDocument removes all chunks for a document.
func (r *ChunksRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// CountByDocument counts a document's chunks.
func (r *ChunksRepo) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// FindByFingerprint locates chunks with identical normalized content,
// optionally excluding one document. Supports intelligence reuse.
func (r *ChunksRepo) FindByFingerprint(ctx context.Context, fingerprint string, excludeDocument uuid.UUID) ([]Chunk, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE fingerprint = $1 AND document_id <> $2`,
		fingerprint, excludeDocument)
	if err != nil {
		return nil, fmt.Errorf("find chunks by fingerprint: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}
