package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// ProcessingConfig is the snapshot of configuration that materially affects
// stage output. It feeds the idempotency data hash, so toggling any of these
// invalidates prior completion markers.
type ProcessingConfig struct {
	Engine                  string `json:"engine"`
	OCRFallback             bool   `json:"ocr_fallback"`
	EnableSVG               bool   `json:"enable_svg"`
	EnableTables            bool   `json:"enable_tables"`
	EnableContext           bool   `json:"enable_context"`
	SVGInlineThresholdKB    int    `json:"svg_inline_threshold_kb"`
	SVGConversionDPI        int    `json:"svg_conversion_dpi"`
	DisableVision           bool   `json:"disable_vision"`
	ChunkSize               int    `json:"chunk_size"`
	Overlap                 int    `json:"overlap"`
	Hierarchical            bool   `json:"hierarchical"`
	DetectErrorCodeSections bool   `json:"detect_error_code_sections"`
	LinkChunks              bool   `json:"link_chunks"`
	ClassificationPages     int    `json:"classification_pages"`
	EmbeddingModel          string `json:"embedding_model"`
	VisionModel             string `json:"vision_model"`
	EmbeddingDimension      int    `json:"embedding_dimension"`
}

// SnapshotConfig captures the output-affecting slice of the full config.
func SnapshotConfig(cfg *config.Config) ProcessingConfig {
	return ProcessingConfig{
		Engine:                  cfg.Extraction.Engine,
		OCRFallback:             cfg.Extraction.OCRFallback,
		EnableSVG:               cfg.Extraction.EnableSVG,
		EnableTables:            cfg.Extraction.EnableTables,
		EnableContext:           cfg.Extraction.EnableContext,
		SVGInlineThresholdKB:    cfg.Extraction.SVGInlineThresholdKB,
		SVGConversionDPI:        cfg.Extraction.SVGConversionDPI,
		DisableVision:           cfg.Extraction.DisableVision,
		ChunkSize:               cfg.Chunking.ChunkSize,
		Overlap:                 cfg.Chunking.Overlap,
		Hierarchical:            cfg.Chunking.Hierarchical,
		DetectErrorCodeSections: cfg.Chunking.DetectErrorCodeSections,
		LinkChunks:              cfg.Chunking.LinkChunks,
		ClassificationPages:     cfg.Pipeline.ClassificationPages,
		EmbeddingModel:          cfg.Ollama.EmbeddingModel,
		VisionModel:             cfg.Ollama.VisionModel,
		EmbeddingDimension:      cfg.Embedding.Dimension,
	}
}

// ProcessingContext is the mutable carrier for one stage invocation. Stages
// read what earlier stages attached and attach their own outputs for
// downstream stages within the same run.
type ProcessingContext struct {
	DocumentID   uuid.UUID
	FilePath     string
	FileHash     string
	DocumentType string
	FileSize     int64
	Config       ProcessingConfig

	PageTexts map[int]string
	Chunks    []storage.Chunk
	Images    []storage.Image

	RequestID     string
	CorrelationID string
	RetryAttempt  int
	ErrorID       string
}

// Clone copies the context for a background retry so the original caller's
// carrier is not mutated after its invocation returns. Attached collections
// are shared, not deep-copied; retries treat them as read-only inputs.
func (c *ProcessingContext) Clone() *ProcessingContext {
	clone := *c
	if c.PageTexts != nil {
		clone.PageTexts = make(map[int]string, len(c.PageTexts))
		for page, text := range c.PageTexts {
			clone.PageTexts[page] = text
		}
	}
	return &clone
}

// ComputeDataHash produces the deterministic hash stored in stage completion
// markers. It covers document identity, source bytes, and the processing
// config, and never touches the database. Chunk content is covered
// transitively: chunks are a pure function of the file hash and the chunking
// config, and folding the live chunk slice in directly would make the hash
// depend on how far the current run has progressed.
func (c *ProcessingContext) ComputeDataHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", c.DocumentID, c.FileHash)
	if cfg, err := json.Marshal(c.Config); err == nil {
		h.Write(cfg)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ProcessingResult is the outcome of one safe-process invocation.
type ProcessingResult struct {
	Success        bool                   `json:"success"`
	Processor      string                 `json:"processor"`
	Stage          Stage                  `json:"stage"`
	Status         storage.StageState     `json:"status"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ErrorID        string                 `json:"error_id,omitempty"`
	CorrelationID  string                 `json:"correlation_id"`
	ProcessingTime time.Duration          `json:"processing_time"`
}

// Seconds returns the processing time in seconds for boundary responses.
func (r *ProcessingResult) Seconds() float64 {
	return r.ProcessingTime.Seconds()
}

// MultiStageResult summarizes a run_stages invocation.
type MultiStageResult struct {
	DocumentID   uuid.UUID          `json:"document_id"`
	TotalStages  int                `json:"total_stages"`
	Successful   int                `json:"successful"`
	Failed       int                `json:"failed"`
	SuccessRate  float64            `json:"success_rate"`
	StageResults []ProcessingResult `json:"stage_results"`
}
