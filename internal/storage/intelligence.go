package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IntelligenceRepo manages the shared relational graph: manufacturers,
// series, products, parts, error codes, and their links.
type IntelligenceRepo struct {
	db DB
}

// NewIntelligenceRepo creates a new intelligence repository.
func NewIntelligenceRepo(db DB) *IntelligenceRepo {
	return &IntelligenceRepo{db: db}
}

// GetOrCreateManufacturer resolves a manufacturer by name, creating it when
// missing. Concurrent creators collapse onto the same row.
func (r *IntelligenceRepo) GetOrCreateManufacturer(ctx context.Context, name string) (*Manufacturer, error) {
	if name == "" {
		return nil, fmt.Errorf("manufacturer name is empty")
	}

	m := &Manufacturer{ID: uuid.New(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO manufacturers (id, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING`, m.ID, m.Name, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create manufacturer: %w", err)
	}
	return r.GetManufacturerByName(ctx, name)
}

// GetManufacturerByName fetches a manufacturer by its unique name.
func (r *IntelligenceRepo) GetManufacturerByName(ctx context.Context, name string) (*Manufacturer, error) {
	var m Manufacturer
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM manufacturers WHERE name = $1`, name).
		Scan(&m.ID, &m.Name, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get manufacturer: %w", err)
	}
	return &m, nil
}

// CreateProductSeries inserts a series row. Callers recover from a
// unique-constraint violation by looking the series up.
func (r *IntelligenceRepo) CreateProductSeries(ctx context.Context, s *ProductSeries) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO product_series (id, manufacturer_id, series_name, model_pattern, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.ManufacturerID, s.SeriesName, s.ModelPattern, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("create product series: %w", err)
	}
	return nil
}

// GetProductSeries fetches a series by its unique key.
func (r *IntelligenceRepo) GetProductSeries(ctx context.Context, manufacturerID uuid.UUID, seriesName, modelPattern string) (*ProductSeries, error) {
	var s ProductSeries
	err := r.db.QueryRowContext(ctx, `
		SELECT id, manufacturer_id, series_name, model_pattern, created_at
		FROM product_series
		WHERE manufacturer_id = $1 AND series_name = $2 AND model_pattern = $3`,
		manufacturerID, seriesName, modelPattern).
		Scan(&s.ID, &s.ManufacturerID, &s.SeriesName, &s.ModelPattern, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get product series: %w", err)
	}
	return &s, nil
}

// GetOrCreateProduct resolves a product by (manufacturer, model number),
// creating it when missing.
func (r *IntelligenceRepo) GetOrCreateProduct(ctx context.Context, manufacturerID uuid.UUID, modelNumber, name string) (*Product, error) {
	p := &Product{
		ID:             uuid.New(),
		ManufacturerID: manufacturerID,
		ModelNumber:    modelNumber,
		Name:           name,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, manufacturer_id, model_number, name, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (manufacturer_id, model_number) DO NOTHING`,
		p.ID, p.ManufacturerID, p.ModelNumber, p.Name, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	var existing Product
	var seriesID uuid.NullUUID
	err = r.db.QueryRowContext(ctx, `
		SELECT id, manufacturer_id, series_id, model_number, name, created_at
		FROM products
		WHERE manufacturer_id = $1 AND model_number = $2`,
		manufacturerID, modelNumber).
		Scan(&existing.ID, &existing.ManufacturerID, &seriesID, &existing.ModelNumber,
			&existing.Name, &existing.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if seriesID.Valid {
		existing.SeriesID = &seriesID.UUID
	}
	return &existing, nil
}

// SetProductSeries links a product into a series.
func (r *IntelligenceRepo) SetProductSeries(ctx context.Context, productID, seriesID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE products SET series_id = $2 WHERE id = $1`, productID, seriesID)
	if err != nil {
		return fmt.Errorf("set product series: %w", err)
	}
	return nil
}

// UpsertErrorCode inserts an error code, keeping the richer description and
// solution on replay. The code's ID is rewritten to the persisted row's ID.
func (r *IntelligenceRepo) UpsertErrorCode(ctx context.Context, e *ErrorCode) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	var chunkID interface{}
	if e.ChunkID != nil {
		chunkID = *e.ChunkID
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO error_codes (id, document_id, chunk_id, code, description,
			solution, page_number, confidence, severity, extraction_method,
			requires_technician, requires_parts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (document_id, code, page_number) DO UPDATE SET
			description = CASE
				WHEN length(EXCLUDED.description) > length(error_codes.description)
				THEN EXCLUDED.description ELSE error_codes.description END,
			solution = CASE
				WHEN length(EXCLUDED.solution) > length(error_codes.solution)
				THEN EXCLUDED.solution ELSE error_codes.solution END,
			confidence = GREATEST(EXCLUDED.confidence, error_codes.confidence)
		RETURNING id`,
		e.ID, e.DocumentID, chunkID, e.Code, e.Description, e.Solution,
		e.PageNumber, e.Confidence, e.Severity, e.ExtractionMethod,
		e.RequiresTechnician, e.RequiresParts, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("upsert error code: %w", err)
	}
	return nil
}

const errorCodeColumns = `id, document_id, chunk_id, code, description,
	solution, page_number, confidence, severity, extraction_method,
	requires_technician, requires_parts, created_at`

func scanErrorCode(row interface{ Scan(...interface{}) error }) (*ErrorCode, error) {
	var e ErrorCode
	var chunkID uuid.NullUUID
	err := row.Scan(&e.ID, &e.DocumentID, &chunkID, &e.Code, &e.Description,
		&e.Solution, &e.PageNumber, &e.Confidence, &e.Severity,
		&e.ExtractionMethod, &e.RequiresTechnician, &e.RequiresParts, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan error code: %w", err)
	}
	if chunkID.Valid {
		e.ChunkID = &chunkID.UUID
	}
	return &e, nil
}

// ListErrorCodesByDocument returns a document's error codes in page order.
func (r *IntelligenceRepo) ListErrorCodesByDocument(ctx context.Context, documentID uuid.UUID) ([]ErrorCode, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+errorCodeColumns+` FROM error_codes WHERE document_id = $1 ORDER BY page_number, code`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("list error codes: %w", err)
	}
	defer rows.Close()

	var codes []ErrorCode
	for rows.Next() {
		e, err := scanErrorCode(rows)
		if err != nil {
			return nil, err
		}
		codes = append(codes, *e)
	}
	return codes, rows.Err()
}

// UpsertPart inserts a part, keeping the longer description when the
// (part_number, manufacturer) pair exists. The part's ID is rewritten to
// the persisted row's ID.
func (r *IntelligenceRepo) UpsertPart(ctx context.Context, p *Part) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO parts_catalog (id, part_number, manufacturer_id, name, description, category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (part_number, manufacturer_id) DO UPDATE SET
			description = CASE
				WHEN length(EXCLUDED.description) > length(parts_catalog.description)
				THEN EXCLUDED.description ELSE parts_catalog.description END,
			category = CASE
				WHEN parts_catalog.category = '' THEN EXCLUDED.category
				ELSE parts_catalog.category END
		RETURNING id`,
		p.ID, p.PartNumber, p.ManufacturerID, p.Name, p.Description, p.Category,
		p.CreatedAt).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("upsert part: %w", err)
	}
	return nil
}

// GetPartByNumber fetches a part by its unique key.
func (r *IntelligenceRepo) GetPartByNumber(ctx context.Context, partNumber string, manufacturerID uuid.UUID) (*Part, error) {
	var p Part
	err := r.db.QueryRowContext(ctx, `
		SELECT id, part_number, manufacturer_id, name, description, category, created_at
		FROM parts_catalog
		WHERE part_number = $1 AND manufacturer_id = $2`, partNumber, manufacturerID).
		Scan(&p.ID, &p.PartNumber, &p.ManufacturerID, &p.Name, &p.Description,
			&p.Category, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get part: %w", err)
	}
	return &p, nil
}

// LinkErrorCodePart inserts one error-code-to-part link. A duplicate link
// surfaces as a unique violation for the caller to classify.
func (r *IntelligenceRepo) LinkErrorCodePart(ctx context.Context, l *ErrorCodePartLink) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO error_code_parts (error_code_id, part_id, relevance_score, extraction_source)
		VALUES ($1, $2, $3, $4)`,
		l.ErrorCodeID, l.PartID, l.RelevanceScore, l.ExtractionSource)
	if err != nil {
		return fmt.Errorf("link error code part: %w", err)
	}
	return nil
}

// ListLinksForErrorCode returns the part links of one error code.
func (r *IntelligenceRepo) ListLinksForErrorCode(ctx context.Context, errorCodeID uuid.UUID) ([]ErrorCodePartLink, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT error_code_id, part_id, relevance_score, extraction_source
		FROM error_code_parts
		WHERE error_code_id = $1`, errorCodeID)
	if err != nil {
		return nil, fmt.Errorf("list error code part links: %w", err)
	}
	defer rows.Close()

	var links []ErrorCodePartLink
	for rows.Next() {
		var l ErrorCodePartLink
		if err := rows.Scan(&l.ErrorCodeID, &l.PartID, &l.RelevanceScore, &l.ExtractionSource); err != nil {
			return nil, fmt.Errorf("scan error code part link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// DeleteErrorCodesByDocument removes a document's error codes.
func (r *IntelligenceRepo) DeleteErrorCodesByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM error_codes WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete error codes: %w", err)
	}
	return nil
}
