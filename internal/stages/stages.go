// Package stages implements the fifteen document processors the pipeline
// coordinator drives. Each processor does one stage's work and nothing
// else: extraction stages read the source PDF and hand artifacts to the
// storage queue, intelligence stages enrich the relational graph, and the
// finalization stages materialize artifacts, embed sources and flip the
// document to searchable.
package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/krai-tech/krai-engine/internal/cache"
	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/embedding"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/patterns"
	"github.com/krai-tech/krai-engine/internal/pdf"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// maxQueueBatch bounds how many pending artifacts the queue-driven stages
// pull in one pass. Technical manuals top out well below this.
const maxQueueBatch = 10000

// base carries the identity every processor shares.
type base struct {
	stage  pipeline.Stage
	inputs []pipeline.Input
}

func (b base) Name() string {
	return string(b.stage)
}

func (b base) Stage() pipeline.Stage {
	return b.stage
}

func (b base) RequiredInputs() []pipeline.Input {
	out := make([]pipeline.Input, len(b.inputs))
	copy(out, b.inputs)
	return out
}

// Deps bundles everything the processors are built from.
type Deps struct {
	Documents    DocumentStore
	Chunks       ChunkStore
	Tables       TableStore
	Media        MediaStore
	Queue        ArtifactQueue
	Intelligence IntelligenceStore
	Embeddings   VectorStore
	Analytics    AnalyticsSink
	Objects      ObjectStore
	Classifier   Classifier
	Vision       VisionAnalyzer
	Embedder     embedding.Embedder
	Cache        cache.Client
	Catalogue    *patterns.Catalogue

	EmbeddingConfig config.EmbeddingConfig
	CacheTTL        time.Duration
	VideoEnrichment bool

	Log *observability.Logger
}

// Build constructs every processor in declared stage order, ready to be
// registered with the pipeline.
func Build(d Deps) []pipeline.Processor {
	if d.Catalogue == nil {
		d.Catalogue = patterns.Default()
	}
	return []pipeline.Processor{
		NewUpload(d.Documents, d.Objects, d.Log),
		NewText(d.Documents, d.Log),
		NewTables(d.Tables, d.Log),
		NewSVG(d.Queue, d.Objects, d.Log),
		NewImages(d.Queue, d.Log),
		NewVisual(d.Queue, d.Vision, d.Log),
		NewLinks(d.Queue, d.VideoEnrichment, d.Log),
		NewChunks(d.Chunks, d.Log),
		NewClassify(d.Documents, d.Intelligence, d.Classifier, d.Cache, d.CacheTTL, d.Log),
		NewMetadata(d.Documents, d.Intelligence, d.Chunks, d.Catalogue, d.Log),
		NewParts(d.Documents, d.Intelligence, d.Chunks, d.Catalogue, d.Log),
		NewSeries(d.Documents, d.Intelligence, d.Catalogue, d.Log),
		NewStore(d.Queue, d.Media, d.Objects, d.Log),
		NewEmbed(d.Chunks, d.Tables, d.Media, d.Embeddings, d.Embedder, d.EmbeddingConfig, d.Log),
		NewIndex(d.Documents, d.Chunks, d.Tables, d.Media, d.Embeddings, d.Analytics, d.Cache, d.Log),
	}
}

// HashFile computes the sha256 of a file and reports its size.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// pageTexts returns the per-page text for the document being processed,
// running text extraction against the open document when an earlier stage
// did not already attach it. The result is cached on the context so one
// multi-stage run extracts at most once.
func pageTexts(ctx context.Context, pc *pipeline.ProcessingContext, doc *pdf.Document, log *observability.Logger) (map[int]string, error) {
	if len(pc.PageTexts) > 0 {
		return pc.PageTexts, nil
	}
	var ocr pdf.OCRRunner
	if pc.Config.OCRFallback {
		ocr = pdf.NewTesseractOCR("eng")
	}
	extractor := pdf.NewTextExtractor(pc.Config.Engine, pc.Config.OCRFallback, ocr, log)
	res, err := extractor.Extract(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("extract page texts: %w", err)
	}
	pc.PageTexts = res.PageTexts
	return pc.PageTexts, nil
}

// ensurePageTexts is pageTexts for stages that never touch the document
// beyond its text: the source file is opened only when no earlier stage in
// the run attached the texts already.
func ensurePageTexts(ctx context.Context, pc *pipeline.ProcessingContext, log *observability.Logger) (map[int]string, error) {
	if len(pc.PageTexts) > 0 {
		return pc.PageTexts, nil
	}
	doc, err := pdf.Open(pc.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer doc.Close()
	return pageTexts(ctx, pc, doc, log)
}

// sortedPages returns the page numbers of a page-text map in order.
func sortedPages(texts map[int]string) []int {
	pages := make([]int, 0, len(texts))
	for page := range texts {
		pages = append(pages, page)
	}
	sort.Ints(pages)
	return pages
}

// leadingPagesText joins the first n pages for prompt-sized consumers.
func leadingPagesText(texts map[int]string, n int) string {
	if n <= 0 {
		n = 5
	}
	var joined string
	for i, page := range sortedPages(texts) {
		if i >= n {
			break
		}
		if joined != "" {
			joined += "\n\n"
		}
		joined += texts[page]
	}
	return joined
}

// toStorageBbox converts an extractor bbox to the persisted shape.
func toStorageBbox(b *pdf.Bbox) *storage.Bbox {
	if b == nil {
		return nil
	}
	return &storage.Bbox{X0: b.X0, Y0: b.Y0, X1: b.X1, Y1: b.Y1}
}
