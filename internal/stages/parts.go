package stages

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/patterns"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// PartsProcessor builds the spare-parts catalog from chunk text and links
// parts to the error codes that mention them. Parts live in a shared
// catalog keyed by (part_number, manufacturer), so reprocessing one
// document never destroys entries other documents contributed to.
type PartsProcessor struct {
	base
	documents    DocumentStore
	intelligence IntelligenceStore
	chunks       ChunkStore
	catalogue    *patterns.Catalogue
	log          *observability.Logger
}

// NewParts creates the parts extraction stage processor.
func NewParts(documents DocumentStore, intelligence IntelligenceStore, chunks ChunkStore, catalogue *patterns.Catalogue, log *observability.Logger) *PartsProcessor {
	return &PartsProcessor{
		base:         base{stage: pipeline.StagePartsExtraction},
		documents:    documents,
		intelligence: intelligence,
		chunks:       chunks,
		catalogue:    catalogue,
		log:          log.WithComponent("parts_stage"),
	}
}

// Process extracts part numbers from every chunk, upserts them into the
// shared catalog, and links them to error codes by solution text first and
// shared-chunk co-occurrence second.
func (p *PartsProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	row, err := p.documents.GetByID(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Permanent(p.Stage(), "load_document", err)
	}

	name := row.Manufacturer
	if name == "" {
		name = "AUTO"
	}
	manufacturer, err := p.intelligence.GetOrCreateManufacturer(ctx, name)
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "resolve_manufacturer", err)
	}
	mp := p.catalogue.Lookup(row.Manufacturer)

	chunks := pc.Chunks
	if len(chunks) == 0 {
		chunks, err = p.chunks.ListByDocument(ctx, pc.DocumentID)
		if err != nil {
			return nil, pipeline.Transient(p.Stage(), "load_chunks", err)
		}
	}

	log := p.log.WithDocument(pc.DocumentID.String())

	// partIDs keep the persisted catalog IDs; partChunks remembers which
	// chunks mention each part for the co-occurrence linking pass.
	partIDs := make(map[string]uuid.UUID)
	partChunks := make(map[string]map[uuid.UUID]bool)
	for i := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, m := range patterns.ExtractParts(mp, chunks[i].Text) {
			if _, ok := partIDs[m.PartNumber]; !ok {
				part := storage.Part{
					PartNumber:     m.PartNumber,
					ManufacturerID: manufacturer.ID,
					Description:    m.Context,
					Category:       m.Category,
				}
				if err := p.intelligence.UpsertPart(ctx, &part); err != nil {
					return nil, pipeline.Transient(p.Stage(), "store_part", err)
				}
				partIDs[m.PartNumber] = part.ID
			}
			if partChunks[m.PartNumber] == nil {
				partChunks[m.PartNumber] = make(map[uuid.UUID]bool)
			}
			partChunks[m.PartNumber][chunks[i].ID] = true
		}
	}

	linked := 0
	if len(partIDs) > 0 {
		codes, err := p.intelligence.ListErrorCodesByDocument(ctx, pc.DocumentID)
		if err != nil {
			return nil, pipeline.Transient(p.Stage(), "load_error_codes", err)
		}
		for _, ec := range codes {
			for number, partID := range partIDs {
				link := storage.ErrorCodePartLink{ErrorCodeID: ec.ID, PartID: partID}
				switch {
				case strings.Contains(ec.Solution, number):
					link.RelevanceScore = 0.9
					link.ExtractionSource = "solution_text"
				case ec.ChunkID != nil && partChunks[number][*ec.ChunkID]:
					link.RelevanceScore = 0.7
					link.ExtractionSource = "chunk_reference"
				default:
					continue
				}
				if err := p.intelligence.LinkErrorCodePart(ctx, &link); err != nil {
					if storage.IsUniqueViolation(err) {
						log.Debug().Str("code", ec.Code).Str("part", number).Msg("Link already exists")
						continue
					}
					return nil, pipeline.Transient(p.Stage(), "link_part", err)
				}
				linked++
			}
		}
	}

	log.Info().
		Int("parts", len(partIDs)).
		Int("links", linked).
		Msg("Parts extracted")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"parts": len(partIDs),
			"links": linked,
		},
	}, nil
}

// CleanupOldData is a no-op: the parts catalog is shared across documents
// and upserts converge, so stale rows cannot accumulate per document.
func (p *PartsProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	return nil
}
