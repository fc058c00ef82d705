package stages

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/extract"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pdf"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// Images above this size go to a temp file instead of being inlined
// base64 in the queue payload.
const inlineImageLimit = 1 << 20

// ImageProcessor extracts embedded raster images and queues them for the
// storage stage. Large images are spooled to temp files so the queue rows
// stay small.
type ImageProcessor struct {
	base
	queue ArtifactQueue
	log   *observability.Logger
}

// NewImages creates the image processing stage processor.
func NewImages(queue ArtifactQueue, log *observability.Logger) *ImageProcessor {
	return &ImageProcessor{
		base:  base{stage: pipeline.StageImageProcessing, inputs: []pipeline.Input{pipeline.InputFilePath}},
		queue: queue,
		log:   log.WithComponent("image_stage"),
	}
}

// Process extracts rasters page by page, deduplicating by content hash
// across the whole document, and enqueues one artifact per image.
func (p *ImageProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	doc, err := pdf.Open(pc.FilePath)
	if err != nil {
		return nil, pipeline.Permanent(p.Stage(), "open_pdf", err)
	}
	defer doc.Close()

	texts, err := pageTexts(ctx, pc, doc, p.log)
	if err != nil {
		return nil, err
	}

	extractor := pdf.NewImageExtractor(0, 0, p.log)
	svc := extract.NewService(pc.Config.EnableContext)
	log := p.log.WithDocument(pc.DocumentID.String())

	seen := make(map[string]bool)
	queued, spooled := 0, 0
	for page := 0; page < doc.PageCount(); page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rasters, err := extractor.ExtractPage(doc, page)
		if err != nil {
			log.Warn().Int("page", page).Err(err).Msg("Image extraction failed on page")
			continue
		}

		for i, r := range rasters {
			if r.FileHash != "" && seen[r.FileHash] {
				continue
			}
			seen[r.FileHash] = true

			payload := storage.ImagePayload{
				Filename:         fmt.Sprintf("page%03d_img%02d.%s", page+1, i+1, r.Format),
				PageNumber:       page,
				ImageType:        storage.ImageType(r.ImageType),
				Bbox:             toStorageBbox(r.Bbox),
				FileHash:         r.FileHash,
				HasPNGDerivative: true,
			}
			if len(r.Data) <= inlineImageLimit {
				payload.Content = base64.StdEncoding.EncodeToString(r.Data)
			} else {
				path, err := spoolImage(r.Data, r.Format)
				if err != nil {
					return nil, pipeline.Transient(p.Stage(), "spool_image", err)
				}
				payload.TempPath = path
				spooled++
			}

			mc := svc.Context(extract.Anchor{PageText: texts[page]})
			payload.ContextCaption = mc.Caption
			payload.FigureReference = mc.FigureReference
			payload.PageHeader = mc.PageHeader
			payload.RelatedErrorCodes = mc.RelatedErrorCodes
			payload.RelatedProducts = mc.RelatedProducts

			item := storage.QueueItem{
				DocumentID:   pc.DocumentID,
				ArtifactType: storage.ArtifactImage,
				Payload:      storage.QueuePayload{Image: &payload},
			}
			if err := p.queue.Enqueue(ctx, &item); err != nil {
				return nil, pipeline.Transient(p.Stage(), "enqueue_artifact", err)
			}
			queued++
		}
	}

	log.Info().
		Int("images", queued).
		Int("spooled", spooled).
		Msg("Raster images queued")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"images":  queued,
			"spooled": spooled,
		},
	}, nil
}

// CleanupOldData drops pending image artifacts from the queue.
func (p *ImageProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	_, err := p.queue.DeleteByArtifact(ctx, documentID, storage.ArtifactImage)
	return err
}

func spoolImage(data []byte, format string) (string, error) {
	f, err := os.CreateTemp("", "krai-img-*."+format)
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp image: %w", err)
	}
	return f.Name(), nil
}
