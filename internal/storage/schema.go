package storage

import (
	"context"
	"fmt"
)

// schemaStatements holds the engine schema in dependency order.
// Everything is idempotent so Migrate can run on every start.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY,
		file_hash TEXT NOT NULL UNIQUE,
		filename TEXT NOT NULL,
		file_path TEXT NOT NULL DEFAULT '',
		storage_path TEXT NOT NULL DEFAULT '',
		file_size BIGINT NOT NULL DEFAULT 0,
		page_count INT NOT NULL DEFAULT 0,
		manufacturer TEXT,
		model TEXT,
		series TEXT,
		document_type TEXT NOT NULL DEFAULT 'unknown',
		language TEXT,
		version TEXT,
		status TEXT NOT NULL DEFAULT 'uploaded',
		search_ready BOOLEAN NOT NULL DEFAULT FALSE,
		thumbnail_url TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS document_fingerprints (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		file_hash TEXT NOT NULL,
		normalized_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (document_id)
	)`,

	`CREATE TABLE IF NOT EXISTS stage_completion_markers (
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		stage_name TEXT NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		data_hash TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (document_id, stage_name)
	)`,

	`CREATE TABLE IF NOT EXISTS stage_status (
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		stage_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		error TEXT NOT NULL DEFAULT '',
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		retry_attempt INT NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ,
		PRIMARY KEY (document_id, stage_name)
	)`,

	`CREATE TABLE IF NOT EXISTS processing_queue (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		stage TEXT NOT NULL DEFAULT 'storage',
		artifact_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		payload JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processing_queue_pending
		ON processing_queue (document_id, status)`,

	`CREATE TABLE IF NOT EXISTS chunks (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index INT NOT NULL,
		text TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		page_start INT NOT NULL DEFAULT 0,
		page_end INT NOT NULL DEFAULT 0,
		chunk_type TEXT NOT NULL DEFAULT 'text',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (document_id, chunk_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_fingerprint ON chunks (fingerprint)`,

	`CREATE TABLE IF NOT EXISTS structured_tables (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		page_number INT NOT NULL DEFAULT 0,
		markdown TEXT NOT NULL DEFAULT '',
		rows INT NOT NULL DEFAULT 0,
		cols INT NOT NULL DEFAULT 0,
		bbox JSONB NOT NULL DEFAULT '{}',
		context_text TEXT NOT NULL DEFAULT '',
		cell_data JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS images (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		storage_url TEXT NOT NULL DEFAULT '',
		storage_path TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		page_number INT NOT NULL DEFAULT 0,
		bbox JSONB,
		image_type TEXT NOT NULL DEFAULT 'photo',
		file_hash TEXT NOT NULL,
		context_caption TEXT NOT NULL DEFAULT '',
		related_error_codes TEXT[] NOT NULL DEFAULT '{}',
		related_products TEXT[] NOT NULL DEFAULT '{}',
		svg_storage_url TEXT NOT NULL DEFAULT '',
		has_png_derivative BOOLEAN NOT NULL DEFAULT FALSE,
		vision_analysis TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (document_id, file_hash)
	)`,

	`CREATE TABLE IF NOT EXISTS links (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		page_number INT NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		related_error_codes TEXT[] NOT NULL DEFAULT '{}',
		related_products TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (document_id, url)
	)`,

	`CREATE TABLE IF NOT EXISTS videos (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT '',
		video_id TEXT NOT NULL DEFAULT '',
		page_number INT NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		thumbnail_url TEXT NOT NULL DEFAULT '',
		duration INT NOT NULL DEFAULT 0,
		enrichment_error TEXT NOT NULL DEFAULT '',
		enriched_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (document_id, url)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_videos_platform_video_id
		ON videos (platform, video_id) WHERE video_id <> ''`,

	`CREATE TABLE IF NOT EXISTS manufacturers (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS product_series (
		id UUID PRIMARY KEY,
		manufacturer_id UUID NOT NULL REFERENCES manufacturers(id) ON DELETE CASCADE,
		series_name TEXT NOT NULL,
		model_pattern TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (manufacturer_id, series_name, model_pattern)
	)`,

	`CREATE TABLE IF NOT EXISTS products (
		id UUID PRIMARY KEY,
		manufacturer_id UUID NOT NULL REFERENCES manufacturers(id) ON DELETE CASCADE,
		series_id UUID REFERENCES product_series(id) ON DELETE SET NULL,
		model_number TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (manufacturer_id, model_number)
	)`,

	`CREATE TABLE IF NOT EXISTS parts_catalog (
		id UUID PRIMARY KEY,
		part_number TEXT NOT NULL,
		manufacturer_id UUID NOT NULL REFERENCES manufacturers(id) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (part_number, manufacturer_id)
	)`,

	`CREATE TABLE IF NOT EXISTS error_codes (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_id UUID REFERENCES chunks(id) ON DELETE SET NULL,
		code TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		solution TEXT NOT NULL DEFAULT '',
		page_number INT NOT NULL DEFAULT 0,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		severity TEXT NOT NULL DEFAULT 'medium',
		extraction_method TEXT NOT NULL DEFAULT '',
		requires_technician BOOLEAN NOT NULL DEFAULT FALSE,
		requires_parts BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (document_id, code, page_number)
	)`,

	`CREATE TABLE IF NOT EXISTS error_code_parts (
		error_code_id UUID NOT NULL REFERENCES error_codes(id) ON DELETE CASCADE,
		part_id UUID NOT NULL REFERENCES parts_catalog(id) ON DELETE CASCADE,
		relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		extraction_source TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (error_code_id, part_id)
	)`,

	`CREATE TABLE IF NOT EXISTS unified_embeddings (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		source_id UUID NOT NULL,
		source_type TEXT NOT NULL,
		embedding vector(768) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (source_id, source_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_unified_embeddings_hnsw
		ON unified_embeddings USING hnsw (embedding vector_cosine_ops)`,

	`CREATE TABLE IF NOT EXISTS error_log (
		id UUID PRIMARY KEY,
		document_id UUID,
		stage_name TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		classification TEXT NOT NULL DEFAULT '',
		retry_attempt INT NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		stacktrace TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS search_analytics (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		indexed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		chunks_count INT NOT NULL DEFAULT 0,
		embeddings_count INT NOT NULL DEFAULT 0,
		images_count INT NOT NULL DEFAULT 0,
		links_count INT NOT NULL DEFAULT 0,
		videos_count INT NOT NULL DEFAULT 0,
		processing_time_ms BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS stage_metrics (
		id UUID PRIMARY KEY,
		document_id UUID,
		stage_name TEXT NOT NULL DEFAULT '',
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		correlation_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE OR REPLACE FUNCTION match_multimodal(
		query_embedding vector(768),
		match_threshold DOUBLE PRECISION,
		match_count INT
	)
	RETURNS TABLE (
		source_id UUID,
		source_type TEXT,
		document_id UUID,
		content TEXT,
		similarity DOUBLE PRECISION
	)
	LANGUAGE sql STABLE AS $$
		SELECT
			ue.source_id,
			ue.source_type,
			ue.document_id,
			COALESCE(c.text, t.markdown, i.context_caption, '') AS content,
			1 - (ue.embedding <=> query_embedding) AS similarity
		FROM unified_embeddings ue
		LEFT JOIN chunks c ON ue.source_type = 'text' AND c.id = ue.source_id
		LEFT JOIN structured_tables t ON ue.source_type = 'table' AND t.id = ue.source_id
		LEFT JOIN images i ON ue.source_type IN ('image', 'context') AND i.id = ue.source_id
		WHERE 1 - (ue.embedding <=> query_embedding) >= match_threshold
		ORDER BY ue.embedding <=> query_embedding
		LIMIT match_count
	$$`,
}

// Migrate applies the engine schema. Safe to run repeatedly.
func Migrate(ctx context.Context, db DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
