package stages

import (
	"context"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/chunker"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// ChunkProcessor splits the document text into chunks and persists them.
// Chunks are rebuilt wholesale on every run: the delete-then-insert keeps
// the table consistent even though batch insertion is not transactional.
type ChunkProcessor struct {
	base
	chunks ChunkStore
	log    *observability.Logger
}

// NewChunks creates the chunk preprocessing stage processor.
func NewChunks(chunks ChunkStore, log *observability.Logger) *ChunkProcessor {
	return &ChunkProcessor{
		base:   base{stage: pipeline.StageChunkPreprocessing, inputs: []pipeline.Input{pipeline.InputFilePath}},
		chunks: chunks,
		log:    log.WithComponent("chunk_stage"),
	}
}

// Process chunks the page texts, drops intra-document duplicates, and
// replaces the document's stored chunks.
func (p *ChunkProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	texts, err := ensurePageTexts(ctx, pc, p.log)
	if err != nil {
		return nil, err
	}

	c := chunker.New(chunker.Config{
		ChunkSize:               pc.Config.ChunkSize,
		Overlap:                 pc.Config.Overlap,
		Hierarchical:            pc.Config.Hierarchical,
		DetectErrorCodeSections: pc.Config.DetectErrorCodeSections,
		LinkChunks:              pc.Config.LinkChunks,
	})
	all := c.Chunk(pc.DocumentID, texts)
	kept, dropped := dedupeChunks(all, pc.Config.LinkChunks)

	log := p.log.WithDocument(pc.DocumentID.String())

	sections, known := 0, 0
	for i := range kept {
		if kept[i].ChunkType != storage.ChunkTypeErrorCodeSection {
			continue
		}
		sections++
		prior, err := p.chunks.FindByFingerprint(ctx, kept[i].Fingerprint, pc.DocumentID)
		if err != nil {
			log.Warn().Err(err).Msg("Fingerprint lookup failed")
			continue
		}
		if len(prior) > 0 {
			known++
		}
	}

	if err := p.chunks.DeleteByDocument(ctx, pc.DocumentID); err != nil {
		return nil, pipeline.Transient(p.Stage(), "clear_chunks", err)
	}
	if err := p.chunks.CreateBatch(ctx, kept); err != nil {
		return nil, pipeline.Transient(p.Stage(), "store_chunks", err)
	}
	pc.Chunks = kept

	log.Info().
		Int("chunks", len(kept)).
		Int("duplicates_dropped", dropped).
		Int("error_code_sections", sections).
		Msg("Chunks stored")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"chunks":              len(kept),
			"duplicates_dropped":  dropped,
			"error_code_sections": sections,
			"known_sections":      known,
		},
	}, nil
}

// CleanupOldData removes the document's chunks; dependent error-code rows
// keep their text but lose the chunk reference (the column nulls on delete).
func (p *ChunkProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	return p.chunks.DeleteByDocument(ctx, documentID)
}

// dedupeChunks drops chunks whose fingerprint already appeared earlier in
// the document, keeping first occurrences. When anything was dropped the
// survivors are reindexed and, if linking is on, their prev/next references
// rebuilt over the compacted sequence.
func dedupeChunks(chunks []storage.Chunk, relink bool) ([]storage.Chunk, int) {
	seen := make(map[string]bool, len(chunks))
	kept := chunks[:0]
	for _, ch := range chunks {
		if ch.Fingerprint != "" && seen[ch.Fingerprint] {
			continue
		}
		seen[ch.Fingerprint] = true
		kept = append(kept, ch)
	}
	dropped := len(chunks) - len(kept)
	if dropped == 0 {
		return kept, 0
	}
	for i := range kept {
		kept[i].ChunkIndex = i
		kept[i].Metadata.PreviousChunkID = nil
		kept[i].Metadata.NextChunkID = nil
	}
	if relink {
		for i := range kept {
			if i > 0 {
				prev := kept[i-1].ID
				kept[i].Metadata.PreviousChunkID = &prev
			}
			if i+1 < len(kept) {
				next := kept[i+1].ID
				kept[i].Metadata.NextChunkID = &next
			}
		}
	}
	return kept, dropped
}
