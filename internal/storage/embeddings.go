package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingsRepo stores unified multimodal vectors and runs similarity
// queries through the match_multimodal SQL function.
type EmbeddingsRepo struct {
	db DB
}

// NewEmbeddingsRepo creates a new embeddings repository.
func NewEmbeddingsRepo(db DB) *EmbeddingsRepo {
	return &EmbeddingsRepo{db: db}
}

// SearchMatch is one row returned by match_multimodal.
type SearchMatch struct {
	SourceID   uuid.UUID `json:"source_id"`
	SourceType string    `json:"source_type"`
	DocumentID uuid.UUID `json:"document_id"`
	Content    string    `json:"content"`
	Similarity float64   `json:"similarity"`
}

// Upsert stores one embedding. Replays with the same (source_id, source_type)
// leave the existing vector untouched so re-runs stay idempotent.
func (r *EmbeddingsRepo) Upsert(ctx context.Context, e *UnifiedEmbedding) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO unified_embeddings (id, document_id, source_id, source_type, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_id, source_type) DO NOTHING`,
		e.ID, e.DocumentID, e.SourceID, e.SourceType, e.Vector, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// UpsertBatch stores a batch of embeddings.
func (r *EmbeddingsRepo) UpsertBatch(ctx context.Context, embeddings []UnifiedEmbedding) error {
	for i := range embeddings {
		if err := r.Upsert(ctx, &embeddings[i]); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether an embedding is already stored for a source.
func (r *EmbeddingsRepo) Exists(ctx context.Context, sourceID uuid.UUID, sourceType SourceType) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM unified_embeddings WHERE source_id = $1 AND source_type = $2
		)`, sourceID, string(sourceType)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("embedding exists: %w", err)
	}
	return exists, nil
}

// CountByDocument returns how many embeddings a document has.
func (r *EmbeddingsRepo) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM unified_embeddings WHERE document_id = $1`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// CountByDocumentAndType returns per-source-type embedding counts.
func (r *EmbeddingsRepo) CountByDocumentAndType(ctx context.Context, documentID uuid.UUID) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_type, COUNT(*)
		FROM unified_embeddings
		WHERE document_id = $1
		GROUP BY source_type`, documentID)
	if err != nil {
		return nil, fmt.Errorf("count embeddings by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sourceType string
		var n int
		if err := rows.Scan(&sourceType, &n); err != nil {
			return nil, fmt.Errorf("scan embedding count: %w", err)
		}
		counts[sourceType] = n
	}
	return counts, rows.Err()
}

// MatchMultimodal runs cosine similarity search across every modality and
// returns matches above the threshold, best first.
func (r *EmbeddingsRepo) MatchMultimodal(ctx context.Context, query pgvector.Vector, threshold float64, limit int) ([]SearchMatch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT source_id, source_type, document_id, content, similarity
		 FROM match_multimodal($1, $2, $3)`, query, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("match multimodal: %w", err)
	}
	defer rows.Close()

	var matches []SearchMatch
	for rows.Next() {
		var m SearchMatch
		if err := rows.Scan(&m.SourceID, &m.SourceType, &m.DocumentID, &m.Content, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// MatchImagesByContext searches context-type embeddings only and resolves
// them back to their image rows. Used for "find the diagram for X" queries.
func (r *EmbeddingsRepo) MatchImagesByContext(ctx context.Context, query pgvector.Vector, threshold float64, limit int) ([]SearchMatch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ue.source_id, ue.source_type, ue.document_id,
			COALESCE(i.context_caption, ''), 1 - (ue.embedding <=> $1) AS similarity
		FROM unified_embeddings ue
		JOIN images i ON i.id = ue.source_id
		WHERE ue.source_type = 'context'
			AND 1 - (ue.embedding <=> $1) > $2
		ORDER BY ue.embedding <=> $1
		LIMIT $3`, query, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("match images by context: %w", err)
	}
	defer rows.Close()

	var matches []SearchMatch
	for rows.Next() {
		var m SearchMatch
		if err := rows.Scan(&m.SourceID, &m.SourceType, &m.DocumentID, &m.Content, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan image match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// GetVector fetches one stored vector, for re-ranking and diagnostics.
func (r *EmbeddingsRepo) GetVector(ctx context.Context, sourceID uuid.UUID, sourceType SourceType) (pgvector.Vector, error) {
	var v pgvector.Vector
	err := r.db.QueryRowContext(ctx, `
		SELECT embedding FROM unified_embeddings
		WHERE source_id = $1 AND source_type = $2`, sourceID, string(sourceType)).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return v, ErrNotFound
		}
		return v, fmt.Errorf("get vector: %w", err)
	}
	return v, nil
}

// DeleteByDocument removes all of a document's embeddings.
func (r *EmbeddingsRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM unified_embeddings WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}
