package stages

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/cache"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// IndexProcessor finalizes a document: it verifies what the earlier stages
// produced, flips search readiness when embeddings exist, records indexing
// analytics, and invalidates the search cache so fresh content is visible
// immediately.
type IndexProcessor struct {
	base
	documents  DocumentStore
	chunks     ChunkStore
	tables     TableStore
	media      MediaStore
	embeddings VectorStore
	analytics  AnalyticsSink
	cache      cache.Client
	log        *observability.Logger
}

// NewIndex creates the search indexing stage processor.
func NewIndex(documents DocumentStore, chunks ChunkStore, tables TableStore, media MediaStore, embeddings VectorStore, analytics AnalyticsSink, c cache.Client, log *observability.Logger) *IndexProcessor {
	return &IndexProcessor{
		base:       base{stage: pipeline.StageSearchIndexing},
		documents:  documents,
		chunks:     chunks,
		tables:     tables,
		media:      media,
		embeddings: embeddings,
		analytics:  analytics,
		cache:      c,
		log:        log.WithComponent("index_stage"),
	}
}

// Process counts the document's artifacts, marks it search-ready when it
// has at least one embedding, and completes the document lifecycle.
func (p *IndexProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	row, err := p.documents.GetByID(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Permanent(p.Stage(), "load_document", err)
	}

	chunkCount, err := p.chunks.CountByDocument(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "count_chunks", err)
	}
	embeddingCount, err := p.embeddings.CountByDocument(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "count_embeddings", err)
	}
	byType, err := p.embeddings.CountByDocumentAndType(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "count_embeddings", err)
	}
	tableCount, err := p.tables.CountByDocument(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "count_tables", err)
	}
	imageCount, err := p.media.CountImagesByDocument(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "count_images", err)
	}
	linkCount, err := p.media.CountLinksByDocument(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "count_links", err)
	}
	videoCount, err := p.media.CountVideosByDocument(ctx, pc.DocumentID)
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "count_videos", err)
	}

	ready := embeddingCount > 0
	if err := p.documents.SetSearchReady(ctx, pc.DocumentID, ready); err != nil {
		return nil, pipeline.Transient(p.Stage(), "set_search_ready", err)
	}
	if ready {
		if err := p.documents.SetStatus(ctx, pc.DocumentID, storage.DocumentStatusCompleted); err != nil {
			return nil, pipeline.Transient(p.Stage(), "set_status", err)
		}
	}

	log := p.log.WithDocument(pc.DocumentID.String())

	entry := storage.SearchAnalyticsEntry{
		DocumentID:      pc.DocumentID,
		ChunksCount:     chunkCount,
		EmbeddingsCount: embeddingCount,
		ImagesCount:     imageCount,
		LinksCount:      linkCount,
		VideosCount:     videoCount,
		ProcessingTime:  time.Since(row.CreatedAt),
	}
	if err := p.analytics.RecordSearchAnalytics(ctx, &entry); err != nil {
		log.Warn().Err(err).Msg("Analytics write failed")
	}

	if p.cache != nil {
		if err := p.cache.DeleteByPrefix(ctx, "search:"); err != nil {
			log.Warn().Err(err).Msg("Search cache invalidation failed")
		}
	}

	log.Info().
		Int("chunks", chunkCount).
		Int("embeddings", embeddingCount).
		Int("images", imageCount).
		Bool("search_ready", ready).
		Msg("Document indexed")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"chunks":             chunkCount,
			"embeddings":         embeddingCount,
			"embeddings_by_type": byType,
			"tables":             tableCount,
			"images":             imageCount,
			"links":              linkCount,
			"videos":             videoCount,
			"search_ready":       ready,
		},
	}, nil
}

// CleanupOldData takes the document out of search while it reindexes.
func (p *IndexProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	return p.documents.SetSearchReady(ctx, documentID, false)
}
