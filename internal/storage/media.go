package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// MediaRepo manages images, links, and videos.
type MediaRepo struct {
	db DB
}

// NewMediaRepo creates a new media repository.
func NewMediaRepo(db DB) *MediaRepo {
	return &MediaRepo{db: db}
}

// UpsertImage inserts an image, collapsing onto the existing row when the
// same (document, file_hash) pair was stored before. The image ID is
// rewritten to the persisted row's ID.
func (r *MediaRepo) UpsertImage(ctx context.Context, img *Image) error {
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	img.CreatedAt = time.Now().UTC()

	var bbox []byte
	if img.Bbox != nil {
		var err error
		bbox, err = json.Marshal(img.Bbox)
		if err != nil {
			return fmt.Errorf("encode image bbox: %w", err)
		}
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO images (
			id, document_id, storage_url, storage_path, filename, page_number,
			bbox, image_type, file_hash, context_caption, related_error_codes,
			related_products, svg_storage_url, has_png_derivative, vision_analysis, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (document_id, file_hash) DO UPDATE SET
			storage_url = EXCLUDED.storage_url,
			storage_path = EXCLUDED.storage_path,
			context_caption = EXCLUDED.context_caption,
			related_error_codes = EXCLUDED.related_error_codes,
			related_products = EXCLUDED.related_products,
			svg_storage_url = EXCLUDED.svg_storage_url,
			has_png_derivative = EXCLUDED.has_png_derivative,
			vision_analysis = EXCLUDED.vision_analysis
		RETURNING id`,
		img.ID, img.DocumentID, img.StorageURL, img.StoragePath, img.Filename,
		img.PageNumber, bbox, img.ImageType, img.FileHash, img.ContextCaption,
		pq.Array(img.RelatedErrorCodes), pq.Array(img.RelatedProducts),
		img.SVGStorageURL, img.HasPNGDerivative, img.VisionAnalysis, img.CreatedAt).Scan(&img.ID)
	if err != nil {
		return fmt.Errorf("upsert image: %w", err)
	}
	return nil
}

const imageColumns = `id, document_id, storage_url, storage_path, filename,
	page_number, bbox, image_type, file_hash, context_caption,
	related_error_codes, related_products, svg_storage_url,
	has_png_derivative, vision_analysis, created_at`

func scanImage(row interface{ Scan(...interface{}) error }) (*Image, error) {
	var img Image
	var bbox []byte
	var codes, products pq.StringArray
	err := row.Scan(&img.ID, &img.DocumentID, &img.StorageURL, &img.StoragePath,
		&img.Filename, &img.PageNumber, &bbox, &img.ImageType, &img.FileHash,
		&img.ContextCaption, &codes, &products, &img.SVGStorageURL,
		&img.HasPNGDerivative, &img.VisionAnalysis, &img.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan image: %w", err)
	}
	if len(bbox) > 0 {
		var b Bbox
		if err := json.Unmarshal(bbox, &b); err == nil {
			img.Bbox = &b
		}
	}
	img.RelatedErrorCodes = codes
	img.RelatedProducts = products
	return &img, nil
}

// ListImagesByDocument returns a document's images in page order.
func (r *MediaRepo) ListImagesByDocument(ctx context.Context, documentID uuid.UUID) ([]Image, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE document_id = $1 ORDER BY page_number, created_at`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, *img)
	}
	return images, rows.Err()
}

// GetImagesByIDs fetches images by primary key, preserving no order.
func (r *MediaRepo) GetImagesByIDs(ctx context.Context, ids []uuid.UUID) ([]Image, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id = ANY($1::uuid[])`, pq.Array(strIDs))
	if err != nil {
		return nil, fmt.Errorf("get images by ids: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, *img)
	}
	return images, rows.Err()
}

// CountImagesByDocument counts a document's images.
func (r *MediaRepo) CountImagesByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM images WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return count, nil
}

// UpsertLink inserts a link, collapsing onto the existing (document, url) row.
func (r *MediaRepo) UpsertLink(ctx context.Context, link *Link) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	link.CreatedAt = time.Now().UTC()

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO links (id, document_id, url, page_number, description,
			related_error_codes, related_products, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (document_id, url) DO UPDATE SET
			description = EXCLUDED.description,
			related_error_codes = EXCLUDED.related_error_codes,
			related_products = EXCLUDED.related_products
		RETURNING id`,
		link.ID, link.DocumentID, link.URL, link.PageNumber, link.Description,
		pq.Array(link.RelatedErrorCodes), pq.Array(link.RelatedProducts),
		link.CreatedAt).Scan(&link.ID)
	if err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return nil
}

// ListLinksByDocument returns a document's links in page order.
func (r *MediaRepo) ListLinksByDocument(ctx context.Context, documentID uuid.UUID) ([]Link, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, document_id, url, page_number, description,
			related_error_codes, related_products, created_at
		FROM links WHERE document_id = $1 ORDER BY page_number, created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		var codes, products pq.StringArray
		if err := rows.Scan(&l.ID, &l.DocumentID, &l.URL, &l.PageNumber,
			&l.Description, &codes, &products, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.RelatedErrorCodes = codes
		l.RelatedProducts = products
		links = append(links, l)
	}
	return links, rows.Err()
}

// CountLinksByDocument counts a document's links.
func (r *MediaRepo) CountLinksByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM links WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count links: %w", err)
	}
	return count, nil
}

// UpsertVideo inserts a video, collapsing onto the existing (document, url)
// row. A (platform, video_id) collision from another document is treated as
// already stored.
func (r *MediaRepo) UpsertVideo(ctx context.Context, v *Video) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = time.Now().UTC()
	metadata, err := json.Marshal(v.Metadata)
	if err != nil {
		return fmt.Errorf("encode video metadata: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO videos (id, document_id, url, platform, video_id, page_number,
			title, description, thumbnail_url, duration, enrichment_error,
			enriched_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (document_id, url) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			thumbnail_url = EXCLUDED.thumbnail_url,
			duration = EXCLUDED.duration,
			enrichment_error = EXCLUDED.enrichment_error,
			enriched_at = EXCLUDED.enriched_at,
			metadata = EXCLUDED.metadata
		RETURNING id`,
		v.ID, v.DocumentID, v.URL, v.Platform, v.VideoID, v.PageNumber,
		v.Title, v.Description, v.ThumbnailURL, v.Duration, v.EnrichmentError,
		v.EnrichedAt, metadata, v.CreatedAt).Scan(&v.ID)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("upsert video: %w", err)
	}
	return nil
}

const videoColumns = `id, document_id, url, platform, video_id, page_number,
	title, description, thumbnail_url, duration, enrichment_error,
	enriched_at, metadata, created_at`

func scanVideo(row interface{ Scan(...interface{}) error }) (*Video, error) {
	var v Video
	var enrichedAt sql.NullTime
	var metadata []byte
	err := row.Scan(&v.ID, &v.DocumentID, &v.URL, &v.Platform, &v.VideoID,
		&v.PageNumber, &v.Title, &v.Description, &v.ThumbnailURL, &v.Duration,
		&v.EnrichmentError, &enrichedAt, &metadata, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan video: %w", err)
	}
	if enrichedAt.Valid {
		v.EnrichedAt = &enrichedAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &v.Metadata); err != nil {
			return nil, fmt.Errorf("decode video metadata: %w", err)
		}
	}
	return &v, nil
}

// ListVideosByDocument returns a document's videos in page order.
func (r *MediaRepo) ListVideosByDocument(ctx context.Context, documentID uuid.UUID) ([]Video, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE document_id = $1 ORDER BY page_number, created_at`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	var videos []Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, *v)
	}
	return videos, rows.Err()
}

// ListVideosNeedingEnrichment returns videos flagged for enrichment.
func (r *MediaRepo) ListVideosNeedingEnrichment(ctx context.Context, limit int) ([]Video, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+videoColumns+` FROM videos
		WHERE (metadata->>'needs_enrichment')::boolean = TRUE
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list videos needing enrichment: %w", err)
	}
	defer rows.Close()

	var videos []Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, *v)
	}
	return videos, rows.Err()
}

// GetVideoByURL fetches a video by (document, url).
func (r *MediaRepo) GetVideoByURL(ctx context.Context, documentID uuid.UUID, url string) (*Video, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE document_id = $1 AND url = $2`,
		documentID, url)
	return scanVideo(row)
}

// CountVideosByDocument counts a document's videos.
func (r *MediaRepo) CountVideosByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM videos WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count videos: %w", err)
	}
	return count, nil
}

// UpdateVideoEnrichment applies the result of a metadata lookup.
// A failed lookup records the error and clears the needs_enrichment flag so
// the video is not retried forever.
func (r *MediaRepo) UpdateVideoEnrichment(ctx context.Context, v *Video) error {
	metadata, err := json.Marshal(v.Metadata)
	if err != nil {
		return fmt.Errorf("encode video metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE videos SET
			title = $2, description = $3, thumbnail_url = $4, duration = $5,
			enrichment_error = $6, enriched_at = $7, metadata = $8
		WHERE id = $1`,
		v.ID, v.Title, v.Description, v.ThumbnailURL, v.Duration,
		v.EnrichmentError, v.EnrichedAt, metadata)
	if err != nil {
		return fmt.Errorf("update video enrichment: %w", err)
	}
	return nil
}

// DeleteByDocument removes every media row for a document. Used by the
// storage stage's cleanup when a changed source invalidates prior artifacts.
func (r *MediaRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	for _, table := range []string{"images", "links", "videos"} {
		if _, err := r.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

// TablesRepo manages structured tables.
type TablesRepo struct {
	db DB
}

// NewTablesRepo creates a new structured-tables repository.
func NewTablesRepo(db DB) *TablesRepo {
	return &TablesRepo{db: db}
}

// Create inserts one structured table.
func (r *TablesRepo) Create(ctx context.Context, t *StructuredTable) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()
	bbox, err := json.Marshal(t.Bbox)
	if err != nil {
		return fmt.Errorf("encode table bbox: %w", err)
	}
	cells, err := json.Marshal(t.CellData)
	if err != nil {
		return fmt.Errorf("encode table cells: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO structured_tables (id, document_id, page_number, markdown,
			rows, cols, bbox, context_text, cell_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.DocumentID, t.PageNumber, t.Markdown, t.Rows, t.Cols,
		bbox, t.ContextText, cells, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create structured table: %w", err)
	}
	return nil
}

// ListByDocument returns a document's tables in page order.
func (r *TablesRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]StructuredTable, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, document_id, page_number, markdown, rows, cols, bbox,
			context_text, cell_data, created_at
		FROM structured_tables
		WHERE document_id = $1 ORDER BY page_number, created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list structured tables: %w", err)
	}
	defer rows.Close()

	var tables []StructuredTable
	for rows.Next() {
		var t StructuredTable
		var bbox, cells []byte
		if err := rows.Scan(&t.ID, &t.DocumentID, &t.PageNumber, &t.Markdown,
			&t.Rows, &t.Cols, &bbox, &t.ContextText, &cells, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan structured table: %w", err)
		}
		if len(bbox) > 0 {
			_ = json.Unmarshal(bbox, &t.Bbox)
		}
		if len(cells) > 0 {
			_ = json.Unmarshal(cells, &t.CellData)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// DeleteByDocument removes all tables for a document.
func (r *TablesRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM structured_tables WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete structured tables: %w", err)
	}
	return nil
}

// CountByDocument counts a document's tables.
func (r *TablesRepo) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM structured_tables WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count structured tables: %w", err)
	}
	return count, nil
}
