package stages

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/krai-tech/krai-engine/internal/chunker"
	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/embedding"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// embedSource is one (source row, text) pair waiting for a vector.
type embedSource struct {
	id         uuid.UUID
	sourceType storage.SourceType
	text       string
}

// EmbedProcessor computes unified embeddings for chunks, table renderings
// and image contexts through the adaptive batcher. Sources that already
// have a vector are skipped, so a retry resumes where the last run stopped.
type EmbedProcessor struct {
	base
	chunks     ChunkStore
	tables     TableStore
	media      MediaStore
	embeddings VectorStore
	embedder   embedding.Embedder
	cfg        config.EmbeddingConfig
	log        *observability.Logger
}

// NewEmbed creates the embedding stage processor.
func NewEmbed(chunks ChunkStore, tables TableStore, media MediaStore, embeddings VectorStore, embedder embedding.Embedder, cfg config.EmbeddingConfig, log *observability.Logger) *EmbedProcessor {
	return &EmbedProcessor{
		base:       base{stage: pipeline.StageEmbedding},
		chunks:     chunks,
		tables:     tables,
		media:      media,
		embeddings: embeddings,
		embedder:   embedder,
		cfg:        cfg,
		log:        log.WithComponent("embed_stage"),
	}
}

// Process gathers every embeddable source for the document, filters out the
// ones already embedded, and streams the rest through the batcher. Vectors
// are upserted batch by batch so partial progress is never lost.
func (p *EmbedProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	sources, counts, err := p.collectSources(ctx, pc)
	if err != nil {
		return nil, err
	}

	log := p.log.WithDocument(pc.DocumentID.String())

	pending := make([]embedSource, 0, len(sources))
	skipped := 0
	for _, s := range sources {
		exists, err := p.embeddings.Exists(ctx, s.id, s.sourceType)
		if err != nil {
			return nil, pipeline.Transient(p.Stage(), "check_embedding", err)
		}
		if exists {
			skipped++
			continue
		}
		pending = append(pending, s)
	}

	texts := make([]string, len(pending))
	for i, s := range pending {
		texts[i] = s.text
	}

	batcher := embedding.NewAdaptiveBatcher(p.embedder, p.cfg, p.log)
	embedded := 0
	sink := func(res embedding.BatchResult) error {
		rows := make([]storage.UnifiedEmbedding, 0, len(res.Vectors))
		for i, vec := range res.Vectors {
			src := pending[res.Start+i]
			rows = append(rows, storage.UnifiedEmbedding{
				DocumentID: pc.DocumentID,
				SourceID:   src.id,
				SourceType: src.sourceType,
				Vector:     pgvector.NewVector(vec),
			})
		}
		if err := p.embeddings.UpsertBatch(ctx, rows); err != nil {
			return err
		}
		embedded += len(rows)
		return nil
	}
	if err := batcher.EmbedAll(ctx, texts, sink); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, pipeline.Transient(p.Stage(), "embed_batch", err)
	}

	log.Info().
		Int("embedded", embedded).
		Int("skipped_existing", skipped).
		Int("batch_size_final", batcher.BatchSize()).
		Msg("Embeddings stored")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"embedded":         embedded,
			"skipped_existing": skipped,
			"chunks":           counts[storage.SourceTypeText],
			"tables":           counts[storage.SourceTypeTable],
			"contexts":         counts[storage.SourceTypeContext],
			"batch_size_final": batcher.BatchSize(),
		},
	}, nil
}

// CleanupOldData removes the document's embeddings before re-embedding.
func (p *EmbedProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	return p.embeddings.DeleteByDocument(ctx, documentID)
}

// collectSources assembles the embeddable texts: chunk text, table
// markdown through the table-chunk rendering, and image captions fused
// with their vision analysis.
func (p *EmbedProcessor) collectSources(ctx context.Context, pc *pipeline.ProcessingContext) ([]embedSource, map[storage.SourceType]int, error) {
	counts := make(map[storage.SourceType]int)

	chunks := pc.Chunks
	if len(chunks) == 0 {
		var err error
		chunks, err = p.chunks.ListByDocument(ctx, pc.DocumentID)
		if err != nil {
			return nil, nil, pipeline.Transient(p.Stage(), "load_chunks", err)
		}
	}
	var sources []embedSource
	for _, ch := range chunks {
		if strings.TrimSpace(ch.Text) == "" {
			continue
		}
		sources = append(sources, embedSource{id: ch.ID, sourceType: storage.SourceTypeText, text: ch.Text})
		counts[storage.SourceTypeText]++
	}

	tables, err := p.tables.ListByDocument(ctx, pc.DocumentID)
	if err != nil {
		return nil, nil, pipeline.Transient(p.Stage(), "load_tables", err)
	}
	for _, t := range tables {
		text := chunker.TableChunk(pc.DocumentID, t).Text
		if strings.TrimSpace(text) == "" {
			continue
		}
		sources = append(sources, embedSource{id: t.ID, sourceType: storage.SourceTypeTable, text: text})
		counts[storage.SourceTypeTable]++
	}

	images, err := p.media.ListImagesByDocument(ctx, pc.DocumentID)
	if err != nil {
		return nil, nil, pipeline.Transient(p.Stage(), "load_images", err)
	}
	for _, img := range images {
		text := strings.TrimSpace(strings.TrimSpace(img.ContextCaption) + " " + strings.TrimSpace(img.VisionAnalysis))
		if text == "" {
			continue
		}
		sources = append(sources, embedSource{id: img.ID, sourceType: storage.SourceTypeContext, text: text})
		counts[storage.SourceTypeContext]++
	}

	return sources, counts, nil
}
