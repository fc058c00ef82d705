package stages

import (
	"context"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/llm"
	"github.com/krai-tech/krai-engine/internal/objstore"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// The processors depend on narrow store interfaces rather than the concrete
// repositories, mirroring how the pipeline coordinator treats its stores.
// The SQL repositories satisfy all of them; tests drop in fakes.

// DocumentStore is the slice of the documents repository the stages touch.
type DocumentStore interface {
	Create(ctx context.Context, d *storage.Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Document, error)
	GetByFileHash(ctx context.Context, hash string) (*storage.Document, error)
	Update(ctx context.Context, d *storage.Document) error
	UpdateClassification(ctx context.Context, id uuid.UUID, manufacturer, model, series, documentType, language, version string) error
	SetSearchReady(ctx context.Context, id uuid.UUID, ready bool) error
	SetStatus(ctx context.Context, id uuid.UUID, status storage.DocumentStatus) error
	CreateFingerprint(ctx context.Context, f *storage.DocumentFingerprint) error
}

// ChunkStore persists and reads document chunks.
type ChunkStore interface {
	CreateBatch(ctx context.Context, chunks []storage.Chunk) error
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]storage.Chunk, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
	CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
	FindByFingerprint(ctx context.Context, fingerprint string, excludeDocument uuid.UUID) ([]storage.Chunk, error)
}

// TableStore persists and reads structured tables.
type TableStore interface {
	Create(ctx context.Context, t *storage.StructuredTable) error
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]storage.StructuredTable, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
	CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
}

// MediaStore persists materialized images, links and videos.
type MediaStore interface {
	UpsertImage(ctx context.Context, img *storage.Image) error
	UpsertLink(ctx context.Context, link *storage.Link) error
	UpsertVideo(ctx context.Context, v *storage.Video) error
	ListImagesByDocument(ctx context.Context, documentID uuid.UUID) ([]storage.Image, error)
	CountImagesByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
	CountLinksByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
	CountVideosByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
}

// ArtifactQueue is the handoff between extraction stages and storage.
type ArtifactQueue interface {
	Enqueue(ctx context.Context, item *storage.QueueItem) error
	ListPending(ctx context.Context, documentID uuid.UUID, limit int) ([]storage.QueueItem, error)
	UpdatePayload(ctx context.Context, id uuid.UUID, payload storage.QueuePayload) error
	Delete(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	DeleteByArtifact(ctx context.Context, documentID uuid.UUID, artifact storage.ArtifactType) (int, error)
	CountPending(ctx context.Context, documentID uuid.UUID) (int, error)
}

// IntelligenceStore is the shared manufacturer/product/error-code graph.
type IntelligenceStore interface {
	GetOrCreateManufacturer(ctx context.Context, name string) (*storage.Manufacturer, error)
	GetOrCreateProduct(ctx context.Context, manufacturerID uuid.UUID, modelNumber, name string) (*storage.Product, error)
	CreateProductSeries(ctx context.Context, s *storage.ProductSeries) error
	GetProductSeries(ctx context.Context, manufacturerID uuid.UUID, seriesName, modelPattern string) (*storage.ProductSeries, error)
	SetProductSeries(ctx context.Context, productID, seriesID uuid.UUID) error
	UpsertErrorCode(ctx context.Context, e *storage.ErrorCode) error
	ListErrorCodesByDocument(ctx context.Context, documentID uuid.UUID) ([]storage.ErrorCode, error)
	DeleteErrorCodesByDocument(ctx context.Context, documentID uuid.UUID) error
	UpsertPart(ctx context.Context, p *storage.Part) error
	LinkErrorCodePart(ctx context.Context, l *storage.ErrorCodePartLink) error
}

// VectorStore persists unified embeddings.
type VectorStore interface {
	Exists(ctx context.Context, sourceID uuid.UUID, sourceType storage.SourceType) (bool, error)
	UpsertBatch(ctx context.Context, embeddings []storage.UnifiedEmbedding) error
	CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
	CountByDocumentAndType(ctx context.Context, documentID uuid.UUID) (map[string]int, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
}

// AnalyticsSink records indexing analytics.
type AnalyticsSink interface {
	RecordSearchAnalytics(ctx context.Context, a *storage.SearchAnalyticsEntry) error
}

// ObjectStore uploads artifact bytes under content-hash keys.
type ObjectStore interface {
	Upload(ctx context.Context, bucket string, data []byte, contentType string) (*objstore.UploadResult, error)
	UploadFile(ctx context.Context, bucket, path, contentType string) (*objstore.UploadResult, error)
	Buckets() config.BucketsConfig
}

// Classifier decides document type and manufacturer from leading pages.
type Classifier interface {
	ClassifyDocument(ctx context.Context, pagesText string) (*llm.Classification, error)
}

// VisionAnalyzer describes a technical image from its PNG rendering.
type VisionAnalyzer interface {
	AnalyzeTechnicalImage(ctx context.Context, imagePNG []byte) (string, error)
	VisionDisabled() bool
}

// Compile-time checks that the concrete implementations satisfy the
// interfaces the processors are built against.
var (
	_ DocumentStore     = (*storage.DocumentsRepo)(nil)
	_ ChunkStore        = (*storage.ChunksRepo)(nil)
	_ TableStore        = (*storage.TablesRepo)(nil)
	_ MediaStore        = (*storage.MediaRepo)(nil)
	_ ArtifactQueue     = (*storage.QueueRepo)(nil)
	_ IntelligenceStore = (*storage.IntelligenceRepo)(nil)
	_ VectorStore       = (*storage.EmbeddingsRepo)(nil)
	_ AnalyticsSink     = (*storage.AnalyticsRepo)(nil)
	_ ObjectStore       = (*objstore.Client)(nil)
	_ Classifier        = (*llm.Client)(nil)
	_ VisionAnalyzer    = (*llm.Client)(nil)
)
