package stages

import (
	"context"
	"encoding/base64"
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/krai-tech/krai-engine/internal/extract"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/objstore"
	"github.com/krai-tech/krai-engine/internal/pdf"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

const (
	defaultSVGInlineKB = 64
	defaultSVGDPI      = 150
)

// SVGProcessor extracts vector graphics, stores the SVG originals, renders
// PNG derivatives for vision analysis, and queues everything for the
// storage stage. A graphic that cannot be rasterized is kept as SVG-only
// rather than failing the stage.
type SVGProcessor struct {
	base
	queue   ArtifactQueue
	objects ObjectStore
	log     *observability.Logger

	// converters bounds the rasterization pool. Zero means GOMAXPROCS.
	converters int
}

// NewSVG creates the SVG processing stage processor.
func NewSVG(queue ArtifactQueue, objects ObjectStore, log *observability.Logger) *SVGProcessor {
	return &SVGProcessor{
		base:    base{stage: pipeline.StageSVGProcessing, inputs: []pipeline.Input{pipeline.InputFilePath}},
		queue:   queue,
		objects: objects,
		log:     log.WithComponent("svg_stage"),
	}
}

// pendingGraphic is one extracted graphic between upload and enqueue.
type pendingGraphic struct {
	graphic pdf.VectorGraphic
	payload storage.ImagePayload
}

// Process walks the pages, uploads each extracted SVG, rasterizes PNG
// derivatives on a bounded worker pool, and enqueues one artifact per
// graphic in page order.
func (p *SVGProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	if !pc.Config.EnableSVG {
		return &pipeline.ProcessingResult{
			Data: map[string]interface{}{"skipped": "disabled"},
		}, nil
	}

	doc, err := pdf.Open(pc.FilePath)
	if err != nil {
		return nil, pipeline.Permanent(p.Stage(), "open_pdf", err)
	}
	defer doc.Close()

	texts, err := pageTexts(ctx, pc, doc, p.log)
	if err != nil {
		return nil, err
	}

	inlineLimit := pc.Config.SVGInlineThresholdKB
	if inlineLimit <= 0 {
		inlineLimit = defaultSVGInlineKB
	}
	dpi := float64(pc.Config.SVGConversionDPI)
	if dpi <= 0 {
		dpi = defaultSVGDPI
	}

	extractor := pdf.NewSVGExtractor(0, p.log)
	svc := extract.NewService(pc.Config.EnableContext)
	log := p.log.WithDocument(pc.DocumentID.String())

	// Phase one walks the document sequentially: extract, upload the SVG
	// original, and gather surrounding context. The shared document handle
	// is not safe for concurrent page access, so this stays single-file.
	var pending []pendingGraphic
	for page := 0; page < doc.PageCount(); page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := extractor.ExtractPage(doc, page)
		if err != nil {
			log.Warn().Int("page", page).Err(err).Msg("SVG extraction failed on page")
			continue
		}

		for i, g := range found {
			uploaded, err := p.objects.Upload(ctx, p.objects.Buckets().Images, []byte(g.SVG), "image/svg+xml")
			if err != nil {
				if objstore.IsServerError(err) {
					return nil, pipeline.Transient(p.Stage(), "upload_svg", err)
				}
				return nil, pipeline.Permanent(p.Stage(), "upload_svg", err)
			}

			payload := storage.ImagePayload{
				Filename:         fmt.Sprintf("page%03d_vector%02d.svg", page+1, i+1),
				PageNumber:       page,
				ImageType:        storage.ImageTypeVectorGraphic,
				Bbox:             toStorageBbox(g.Bbox),
				FileHash:         g.FileHash,
				SVGStorageURL:    uploaded.URL,
				ExtractionMethod: g.Method,
			}
			if g.SizeBytes <= inlineLimit*1024 {
				payload.SVGInline = g.SVG
			}

			mc := svc.Context(extract.Anchor{PageText: texts[page]})
			payload.ContextCaption = mc.Caption
			payload.FigureReference = mc.FigureReference
			payload.PageHeader = mc.PageHeader
			payload.RelatedErrorCodes = mc.RelatedErrorCodes
			payload.RelatedProducts = mc.RelatedProducts

			pending = append(pending, pendingGraphic{graphic: g, payload: payload})
		}
	}

	// Phase two rasterizes on a bounded pool. Each conversion opens its own
	// in-memory handle, so only the pool size needs limiting. Failures fall
	// back to rendering the page region from the shared handle, serialized
	// in phase three.
	pngs := make([][]byte, len(pending))
	workers := p.converters
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			png, rerr := pdf.RenderSVGToPNG(pending[i].graphic.SVG, dpi)
			if rerr == nil {
				pngs[i] = png
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	withPNG := 0
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vg := pending[i].graphic
		if pngs[i] == nil {
			png, rerr := doc.RegionPNG(vg.PageNumber, vg.Bbox, dpi)
			if rerr != nil {
				log.Debug().Int("page", vg.PageNumber).Str("method", vg.Method).Err(rerr).
					Msg("No PNG derivative for vector graphic")
			} else {
				pngs[i] = png
			}
		}
		if pngs[i] != nil {
			pending[i].payload.Content = base64.StdEncoding.EncodeToString(pngs[i])
			pending[i].payload.HasPNGDerivative = true
			withPNG++
		}

		item := storage.QueueItem{
			DocumentID:   pc.DocumentID,
			ArtifactType: storage.ArtifactSVG,
			Payload:      storage.QueuePayload{Image: &pending[i].payload},
		}
		if err := p.queue.Enqueue(ctx, &item); err != nil {
			return nil, pipeline.Transient(p.Stage(), "enqueue_artifact", err)
		}
	}

	log.Info().
		Int("graphics", len(pending)).
		Int("with_png", withPNG).
		Msg("Vector graphics queued")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"graphics": len(pending),
			"with_png": withPNG,
		},
	}, nil
}

// CleanupOldData drops pending SVG artifacts from the queue; rows already
// materialized are cleared by the storage stage's own cleanup.
func (p *SVGProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	_, err := p.queue.DeleteByArtifact(ctx, documentID, storage.ArtifactSVG)
	return err
}
