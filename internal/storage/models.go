package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// DocumentStatus tracks a document through the pipeline.
type DocumentStatus string

const (
	DocumentStatusUploaded   DocumentStatus = "uploaded"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// StageState is the lifecycle state of one (document, stage) pair.
type StageState string

const (
	StageStatePending    StageState = "pending"
	StageStateInProgress StageState = "in_progress"
	StageStateCompleted  StageState = "completed"
	StageStateFailed     StageState = "failed"
	StageStateSkipped    StageState = "skipped"
)

// ChunkType classifies a chunk of document text.
type ChunkType string

const (
	ChunkTypeText             ChunkType = "text"
	ChunkTypeErrorCodeSection ChunkType = "error_code_section"
	ChunkTypeTable            ChunkType = "table"
	ChunkTypeHeader           ChunkType = "header"
)

// ImageType classifies an extracted image.
type ImageType string

const (
	ImageTypePhoto         ImageType = "photo"
	ImageTypeDiagram       ImageType = "diagram"
	ImageTypeScreenshot    ImageType = "screenshot"
	ImageTypeVectorGraphic ImageType = "vector_graphic"
)

// ArtifactType tags a processing-queue payload.
type ArtifactType string

const (
	ArtifactImage ArtifactType = "image"
	ArtifactSVG   ArtifactType = "svg"
	ArtifactLink  ArtifactType = "link"
	ArtifactVideo ArtifactType = "video"
)

// QueueState is the lifecycle state of a queued artifact.
type QueueState string

const (
	QueueStatePending QueueState = "pending"
	QueueStateFailed  QueueState = "failed"
)

// SourceType identifies what a unified embedding was computed from.
type SourceType string

const (
	SourceTypeText    SourceType = "text"
	SourceTypeImage   SourceType = "image"
	SourceTypeTable   SourceType = "table"
	SourceTypeContext SourceType = "context"
)

// Severity ranks an error code.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Document is the root entity for one ingested PDF.
type Document struct {
	ID           uuid.UUID      `json:"id"`
	FileHash     string         `json:"file_hash"`
	Filename     string         `json:"filename"`
	FilePath     string         `json:"file_path"`
	StoragePath  string         `json:"storage_path"`
	FileSize     int64          `json:"file_size"`
	PageCount    int            `json:"page_count"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	Series       string         `json:"series,omitempty"`
	DocumentType string         `json:"document_type"`
	Language     string         `json:"language,omitempty"`
	Version      string         `json:"version,omitempty"`
	Status       DocumentStatus `json:"status"`
	SearchReady  bool           `json:"search_ready"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DocumentFingerprint supports intelligence reuse between identical uploads.
type DocumentFingerprint struct {
	ID             uuid.UUID `json:"id"`
	DocumentID     uuid.UUID `json:"document_id"`
	FileHash       string    `json:"file_hash"`
	NormalizedName string    `json:"normalized_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// MarkerMetadata is recorded alongside a completion marker.
type MarkerMetadata struct {
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	RetryAttempt     int    `json:"retry_attempt"`
	CorrelationID    string `json:"correlation_id"`
}

// StageCompletionMarker records a durable per-(document, stage) completion.
type StageCompletionMarker struct {
	DocumentID  uuid.UUID      `json:"document_id"`
	Stage       string         `json:"stage_name"`
	CompletedAt time.Time      `json:"completed_at"`
	DataHash    string         `json:"data_hash"`
	Metadata    MarkerMetadata `json:"metadata"`
}

// StageStatus materializes the pipeline state machine for one stage.
type StageStatus struct {
	DocumentID   uuid.UUID  `json:"document_id"`
	Stage        string     `json:"stage_name"`
	Status       StageState `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        string     `json:"error,omitempty"`
	Progress     float64    `json:"progress"`
	RetryAttempt int        `json:"retry_attempt"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
}

// Bbox is a page-normalized bounding box.
type Bbox struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// ChunkMetadata carries chunker annotations.
type ChunkMetadata struct {
	SectionHierarchy []string               `json:"section_hierarchy,omitempty"`
	SectionLevel     int                    `json:"section_level,omitempty"`
	HeaderText       string                 `json:"header_text,omitempty"`
	ErrorCode        string                 `json:"error_code,omitempty"`
	PreviousChunkID  *uuid.UUID             `json:"previous_chunk_id,omitempty"`
	NextChunkID      *uuid.UUID             `json:"next_chunk_id,omitempty"`
	Extra            map[string]interface{} `json:"extra,omitempty"`
}

// Chunk is one ordered piece of document text.
type Chunk struct {
	ID          uuid.UUID     `json:"id"`
	DocumentID  uuid.UUID     `json:"document_id"`
	ChunkIndex  int           `json:"chunk_index"`
	Text        string        `json:"text"`
	Fingerprint string        `json:"fingerprint"`
	PageStart   int           `json:"page_start"`
	PageEnd     int           `json:"page_end"`
	ChunkType   ChunkType     `json:"chunk_type"`
	Metadata    ChunkMetadata `json:"metadata"`
	CreatedAt   time.Time     `json:"created_at"`
}

// StructuredTable is an extracted table with both a cell matrix and markdown.
type StructuredTable struct {
	ID          uuid.UUID  `json:"id"`
	DocumentID  uuid.UUID  `json:"document_id"`
	PageNumber  int        `json:"page_number"`
	Markdown    string     `json:"markdown"`
	Rows        int        `json:"rows"`
	Cols        int        `json:"cols"`
	Bbox        Bbox       `json:"bbox"`
	ContextText string     `json:"context_text,omitempty"`
	CellData    [][]string `json:"cell_data,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Image is a stored raster or vector-derived image.
type Image struct {
	ID                uuid.UUID `json:"id"`
	DocumentID        uuid.UUID `json:"document_id"`
	StorageURL        string    `json:"storage_url"`
	StoragePath       string    `json:"storage_path"`
	Filename          string    `json:"filename"`
	PageNumber        int       `json:"page_number"`
	Bbox              *Bbox     `json:"bbox,omitempty"`
	ImageType         ImageType `json:"image_type"`
	FileHash          string    `json:"file_hash"`
	ContextCaption    string    `json:"context_caption,omitempty"`
	RelatedErrorCodes []string  `json:"related_error_codes,omitempty"`
	RelatedProducts   []string  `json:"related_products,omitempty"`
	SVGStorageURL     string    `json:"svg_storage_url,omitempty"`
	HasPNGDerivative  bool      `json:"has_png_derivative"`
	VisionAnalysis    string    `json:"vision_analysis,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Link is an external URL found in a document.
type Link struct {
	ID                uuid.UUID `json:"id"`
	DocumentID        uuid.UUID `json:"document_id"`
	URL               string    `json:"url"`
	PageNumber        int       `json:"page_number"`
	Description       string    `json:"description,omitempty"`
	RelatedErrorCodes []string  `json:"related_error_codes,omitempty"`
	RelatedProducts   []string  `json:"related_products,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// VideoMetadata carries enrichment bookkeeping.
type VideoMetadata struct {
	NeedsEnrichment    bool `json:"needs_enrichment"`
	CredentialsMissing bool `json:"credentials_missing,omitempty"`
}

// Video is an external video reference, optionally enriched.
type Video struct {
	ID              uuid.UUID     `json:"id"`
	DocumentID      uuid.UUID     `json:"document_id"`
	URL             string        `json:"url"`
	Platform        string        `json:"platform"`
	VideoID         string        `json:"video_id,omitempty"`
	PageNumber      int           `json:"page_number"`
	Title           string        `json:"title,omitempty"`
	Description     string        `json:"description,omitempty"`
	ThumbnailURL    string        `json:"thumbnail_url,omitempty"`
	Duration        int           `json:"duration,omitempty"`
	EnrichmentError string        `json:"enrichment_error,omitempty"`
	EnrichedAt      *time.Time    `json:"enriched_at,omitempty"`
	Metadata        VideoMetadata `json:"metadata"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Manufacturer is the top of the product hierarchy, unique by name.
type Manufacturer struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ProductSeries groups products of one manufacturer by model pattern.
type ProductSeries struct {
	ID             uuid.UUID `json:"id"`
	ManufacturerID uuid.UUID `json:"manufacturer_id"`
	SeriesName     string    `json:"series_name"`
	ModelPattern   string    `json:"model_pattern"`
	CreatedAt      time.Time `json:"created_at"`
}

// Product is a concrete model under a manufacturer, optionally in a series.
type Product struct {
	ID             uuid.UUID  `json:"id"`
	ManufacturerID uuid.UUID  `json:"manufacturer_id"`
	SeriesID       *uuid.UUID `json:"series_id,omitempty"`
	ModelNumber    string     `json:"model_number"`
	Name           string     `json:"name,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ErrorCode is a fault code extracted from a document.
type ErrorCode struct {
	ID                 uuid.UUID  `json:"id"`
	DocumentID         uuid.UUID  `json:"document_id"`
	ChunkID            *uuid.UUID `json:"chunk_id,omitempty"`
	Code               string     `json:"code"`
	Description        string     `json:"description,omitempty"`
	Solution           string     `json:"solution,omitempty"`
	PageNumber         int        `json:"page_number"`
	Confidence         float64    `json:"confidence"`
	Severity           Severity   `json:"severity"`
	ExtractionMethod   string     `json:"extraction_method"`
	RequiresTechnician bool       `json:"requires_technician"`
	RequiresParts      bool       `json:"requires_parts"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Part is a spare part, unique by (part_number, manufacturer_id).
type Part struct {
	ID             uuid.UUID `json:"id"`
	PartNumber     string    `json:"part_number"`
	ManufacturerID uuid.UUID `json:"manufacturer_id"`
	Name           string    `json:"name,omitempty"`
	Description    string    `json:"description,omitempty"`
	Category       string    `json:"category,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrorCodePartLink relates an error code to a part.
type ErrorCodePartLink struct {
	ErrorCodeID      uuid.UUID `json:"error_code_id"`
	PartID           uuid.UUID `json:"part_id"`
	RelevanceScore   float64   `json:"relevance_score"`
	ExtractionSource string    `json:"extraction_source"`
}

// ImagePayload is the queue payload for raster and vector artifacts.
type ImagePayload struct {
	Filename          string    `json:"filename"`
	PageNumber        int       `json:"page_number"`
	ImageType         ImageType `json:"image_type"`
	Content           string    `json:"content,omitempty"` // base64 PNG
	TempPath          string    `json:"temp_path,omitempty"`
	Bbox              *Bbox     `json:"bbox,omitempty"`
	FileHash          string    `json:"file_hash,omitempty"`
	SVGStorageURL     string    `json:"svg_storage_url,omitempty"`
	SVGInline         string    `json:"svg_inline,omitempty"`
	HasPNGDerivative  bool      `json:"has_png_derivative"`
	ExtractionMethod  string    `json:"extraction_method,omitempty"`
	ContextCaption    string    `json:"context_caption,omitempty"`
	FigureReference   string    `json:"figure_reference,omitempty"`
	PageHeader        string    `json:"page_header,omitempty"`
	RelatedErrorCodes []string  `json:"related_error_codes,omitempty"`
	RelatedProducts   []string  `json:"related_products,omitempty"`
	VisionAnalysis    string    `json:"vision_analysis,omitempty"`
}

// LinkPayload is the queue payload for a discovered URL.
type LinkPayload struct {
	URL               string   `json:"url"`
	PageNumber        int      `json:"page_number"`
	Description       string   `json:"description,omitempty"`
	RelatedErrorCodes []string `json:"related_error_codes,omitempty"`
	RelatedProducts   []string `json:"related_products,omitempty"`
}

// VideoPayload is the queue payload for a discovered video URL.
type VideoPayload struct {
	URL             string `json:"url"`
	Platform        string `json:"platform"`
	VideoID         string `json:"video_id,omitempty"`
	PageNumber      int    `json:"page_number"`
	Description     string `json:"description,omitempty"`
	NeedsEnrichment bool   `json:"needs_enrichment"`
}

// QueuePayload is a tagged union; exactly one variant is set,
// matching the item's artifact type.
type QueuePayload struct {
	Image *ImagePayload `json:"image,omitempty"`
	Link  *LinkPayload  `json:"link,omitempty"`
	Video *VideoPayload `json:"video,omitempty"`
}

// QueueItem is one artifact waiting for the storage stage.
type QueueItem struct {
	ID           uuid.UUID    `json:"id"`
	DocumentID   uuid.UUID    `json:"document_id"`
	Stage        string       `json:"stage"`
	ArtifactType ArtifactType `json:"artifact_type"`
	Status       QueueState   `json:"status"`
	Payload      QueuePayload `json:"payload"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// UnifiedEmbedding is one 768-d vector keyed by (source_id, source_type).
type UnifiedEmbedding struct {
	ID         uuid.UUID       `json:"id"`
	DocumentID uuid.UUID       `json:"document_id"`
	SourceID   uuid.UUID       `json:"source_id"`
	SourceType SourceType      `json:"source_type"`
	Vector     pgvector.Vector `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ErrorLogEntry records one classified stage failure.
type ErrorLogEntry struct {
	ID             uuid.UUID `json:"error_id"`
	DocumentID     uuid.UUID `json:"document_id"`
	Stage          string    `json:"stage"`
	CorrelationID  string    `json:"correlation_id"`
	Classification string    `json:"classification"`
	RetryAttempt   int       `json:"retry_attempt"`
	Message        string    `json:"message"`
	Stacktrace     string    `json:"stacktrace,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SearchAnalyticsEntry records the finalization of one indexed document.
type SearchAnalyticsEntry struct {
	ID              uuid.UUID     `json:"id"`
	DocumentID      uuid.UUID     `json:"document_id"`
	IndexedAt       time.Time     `json:"indexed_at"`
	ChunksCount     int           `json:"chunks_count"`
	EmbeddingsCount int           `json:"embeddings_count"`
	ImagesCount     int           `json:"images_count"`
	LinksCount      int           `json:"links_count"`
	VideosCount     int           `json:"videos_count"`
	ProcessingTime  time.Duration `json:"processing_time"`
}

// StageMetricEntry is one per-stage performance sample.
type StageMetricEntry struct {
	ID             uuid.UUID     `json:"id"`
	DocumentID     uuid.UUID     `json:"document_id"`
	Stage          string        `json:"stage"`
	ProcessingTime time.Duration `json:"processing_time"`
	Success        bool          `json:"success"`
	CorrelationID  string        `json:"correlation_id"`
	CreatedAt      time.Time     `json:"created_at"`
}
