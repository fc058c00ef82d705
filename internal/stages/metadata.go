package stages

import (
	"context"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/patterns"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// MetadataProcessor extracts error codes with the classified manufacturer's
// patterns and resolves the document version. Error codes found in chunks
// that carry an error-code section header get linked to that chunk so
// search can surface the full section.
type MetadataProcessor struct {
	base
	documents    DocumentStore
	intelligence IntelligenceStore
	chunks       ChunkStore
	catalogue    *patterns.Catalogue
	log          *observability.Logger
}

// NewMetadata creates the metadata extraction stage processor.
func NewMetadata(documents DocumentStore, intelligence IntelligenceStore, chunks ChunkStore, catalogue *patterns.Catalogue, log *observability.Logger) *MetadataProcessor {
	return &MetadataProcessor{
		base:         base{stage: pipeline.StageMetadataExtraction, inputs: []pipeline.Input{pipeline.InputFilePath}},
		documents:    documents,
		intelligence: intelligence,
		chunks:       chunks,
		catalogue:    catalogue,
		log:          log.WithComponent("metadata_stage"),
	}
}

// Process runs error-code extraction over every page and upserts the
// matches, then fills the document version from the leading pages when
// classification left it empty.
func (p *MetadataProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	row, err := p.documents.GetByID(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Permanent(p.Stage(), "load_document", err)
	}

	texts, err := ensurePageTexts(ctx, pc, p.log)
	if err != nil {
		return nil, err
	}

	log := p.log.WithDocument(pc.DocumentID.String())
	mp := p.catalogue.Lookup(row.Manufacturer)

	codeToChunk, err := p.errorCodeChunks(ctx, pc)
	if err != nil {
		log.Warn().Err(err).Msg("Chunk lookup failed, error codes stored unlinked")
	}

	stored := 0
	seen := make(map[string]bool)
	for _, page := range sortedPages(texts) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, m := range patterns.ExtractErrorCodes(mp, texts[page]) {
			if seen[m.Code] {
				continue
			}
			seen[m.Code] = true

			ec := storage.ErrorCode{
				DocumentID:         pc.DocumentID,
				Code:               m.Code,
				Description:        m.Description,
				Solution:           m.Solution,
				PageNumber:         page,
				Confidence:         m.Confidence,
				Severity:           m.Severity,
				ExtractionMethod:   m.ExtractionMethod,
				RequiresTechnician: m.RequiresTechnician,
				RequiresParts:      m.RequiresParts,
			}
			if chunkID, ok := codeToChunk[m.Code]; ok {
				id := chunkID
				ec.ChunkID = &id
			}
			if err := p.intelligence.UpsertErrorCode(ctx, &ec); err != nil {
				return nil, pipeline.Transient(p.Stage(), "store_error_code", err)
			}
			stored++
		}
	}

	version := patterns.ExtractVersion(leadingPagesText(texts, 5))
	if version != "" && row.Version == "" {
		row.Version = version
		if err := p.documents.Update(ctx, row); err != nil {
			return nil, pipeline.Transient(p.Stage(), "update_version", err)
		}
	}

	log.Info().
		Int("error_codes", stored).
		Str("version", version).
		Msg("Metadata extracted")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"error_codes": stored,
			"version":     version,
		},
	}, nil
}

// CleanupOldData removes the document's error codes before re-extraction.
func (p *MetadataProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	return p.intelligence.DeleteErrorCodesByDocument(ctx, documentID)
}

// errorCodeChunks maps error codes to the chunk holding their section,
// preferring the carrier from the current run over a database read.
func (p *MetadataProcessor) errorCodeChunks(ctx context.Context, pc *pipeline.ProcessingContext) (map[string]uuid.UUID, error) {
	chunks := pc.Chunks
	if len(chunks) == 0 {
		var err error
		chunks, err = p.chunks.ListByDocument(ctx, pc.DocumentID)
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string]uuid.UUID)
	for _, ch := range chunks {
		if ch.ChunkType == storage.ChunkTypeErrorCodeSection && ch.Metadata.ErrorCode != "" {
			if _, ok := out[ch.Metadata.ErrorCode]; !ok {
				out[ch.Metadata.ErrorCode] = ch.ID
			}
		}
	}
	return out, nil
}
