package stages

import (
	"context"
	"encoding/base64"
	"errors"
	"os"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

var errAllVisionFailed = errors.New("vision analysis failed for every pending image")

// VisualProcessor runs vision analysis over the queued image artifacts
// before the storage stage materializes them. The analysis is written back
// into each queue payload, so it survives into the images table and later
// becomes part of the context embedding text.
type VisualProcessor struct {
	base
	queue  ArtifactQueue
	vision VisionAnalyzer
	log    *observability.Logger
}

// NewVisual creates the visual embedding stage processor.
func NewVisual(queue ArtifactQueue, vision VisionAnalyzer, log *observability.Logger) *VisualProcessor {
	return &VisualProcessor{
		base:   base{stage: pipeline.StageVisualEmbedding},
		queue:  queue,
		vision: vision,
		log:    log.WithComponent("visual_stage"),
	}
}

// Process analyzes every pending image artifact that has PNG bytes and no
// analysis yet. Individual failures are tolerated; the stage only fails
// when nothing at all could be analyzed.
func (p *VisualProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	if p.vision == nil || p.vision.VisionDisabled() {
		return &pipeline.ProcessingResult{
			Data: map[string]interface{}{"skipped": "vision_disabled"},
		}, nil
	}

	items, err := p.queue.ListPending(ctx, pc.DocumentID, maxQueueBatch)
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "list_pending", err)
	}

	log := p.log.WithDocument(pc.DocumentID.String())
	analyzed, failed, skipped := 0, 0, 0
	for i := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := &items[i]
		img := item.Payload.Image
		if img == nil || img.VisionAnalysis != "" {
			skipped++
			continue
		}
		data, err := imageBytes(img)
		if err != nil || len(data) == 0 {
			// No PNG derivative (SVG-only artifact) or an unreadable
			// spool file. Vision has nothing to look at.
			skipped++
			continue
		}

		analysis, err := p.vision.AnalyzeTechnicalImage(ctx, data)
		if err != nil {
			log.Warn().Str("filename", img.Filename).Err(err).Msg("Vision analysis failed")
			failed++
			continue
		}
		img.VisionAnalysis = analysis
		if err := p.queue.UpdatePayload(ctx, item.ID, item.Payload); err != nil {
			return nil, pipeline.Transient(p.Stage(), "update_payload", err)
		}
		analyzed++
	}

	if analyzed == 0 && failed > 0 {
		return nil, pipeline.Transient(p.Stage(), "vision_analysis", errAllVisionFailed)
	}

	log.Info().
		Int("analyzed", analyzed).
		Int("failed", failed).
		Int("skipped", skipped).
		Msg("Vision analysis complete")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"analyzed": analyzed,
			"failed":   failed,
			"skipped":  skipped,
		},
	}, nil
}

// CleanupOldData is a no-op: the analysis lives inside queue payloads that
// the extraction stages already recreate on re-run.
func (p *VisualProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	return nil
}

// imageBytes materializes the payload's PNG bytes from either the inline
// base64 content or the spool file.
func imageBytes(img *storage.ImagePayload) ([]byte, error) {
	if img.Content != "" {
		return base64.StdEncoding.DecodeString(img.Content)
	}
	if img.TempPath != "" {
		return os.ReadFile(img.TempPath)
	}
	return nil, nil
}
