package stages

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/patterns"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// SeriesProcessor resolves the classified model to its product series and
// records the family link in the relational graph. The stage depends on
// classification and metadata extraction having run first.
type SeriesProcessor struct {
	base
	documents    DocumentStore
	intelligence IntelligenceStore
	catalogue    *patterns.Catalogue
	log          *observability.Logger
}

// NewSeries creates the series detection stage processor.
func NewSeries(documents DocumentStore, intelligence IntelligenceStore, catalogue *patterns.Catalogue, log *observability.Logger) *SeriesProcessor {
	return &SeriesProcessor{
		base:         base{stage: pipeline.StageSeriesDetection},
		documents:    documents,
		intelligence: intelligence,
		catalogue:    catalogue,
		log:          log.WithComponent("series_stage"),
	}
}

// Process detects the series from the document's model number and links
// document, product and series together. A model with no known series
// pattern is a normal outcome, not a failure.
func (p *SeriesProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	row, err := p.documents.GetByID(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Permanent(p.Stage(), "load_document", err)
	}

	if row.Manufacturer == "" || row.Manufacturer == "AUTO" || row.Model == "" {
		return &pipeline.ProcessingResult{
			Data: map[string]interface{}{"skipped": "no_manufacturer_or_model"},
		}, nil
	}

	mp := p.catalogue.Lookup(row.Manufacturer)
	match, ok := patterns.DetectSeries(mp, row.Model)
	if !ok {
		return &pipeline.ProcessingResult{
			Data: map[string]interface{}{"detected": false},
		}, nil
	}

	manufacturer, err := p.intelligence.GetOrCreateManufacturer(ctx, row.Manufacturer)
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "resolve_manufacturer", err)
	}

	series := &storage.ProductSeries{
		ManufacturerID: manufacturer.ID,
		SeriesName:     match.SeriesName,
		ModelPattern:   match.ModelPattern,
	}
	if err := p.intelligence.CreateProductSeries(ctx, series); err != nil {
		if !storage.IsUniqueViolation(err) {
			return nil, pipeline.Transient(p.Stage(), "create_series", err)
		}
		series, err = p.intelligence.GetProductSeries(ctx, manufacturer.ID, match.SeriesName, match.ModelPattern)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, pipeline.Permanent(p.Stage(), "resolve_series", err)
			}
			return nil, pipeline.Transient(p.Stage(), "resolve_series", err)
		}
	}

	product, err := p.intelligence.GetOrCreateProduct(ctx, manufacturer.ID, row.Model, "")
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "resolve_product", err)
	}
	if err := p.intelligence.SetProductSeries(ctx, product.ID, series.ID); err != nil {
		return nil, pipeline.Transient(p.Stage(), "link_product", err)
	}

	if row.Series != match.SeriesName {
		row.Series = match.SeriesName
		if err := p.documents.Update(ctx, row); err != nil {
			return nil, pipeline.Transient(p.Stage(), "update_document", err)
		}
	}

	p.log.WithDocument(pc.DocumentID.String()).Info().
		Str("series", match.SeriesName).
		Str("model_pattern", match.ModelPattern).
		Msg("Series detected")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"detected":      true,
			"series":        match.SeriesName,
			"model_pattern": match.ModelPattern,
		},
	}, nil
}

// CleanupOldData is a no-op: series rows are shared reference data and the
// product link is idempotent.
func (p *SeriesProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	return nil
}
