package stages

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/enrich"
	"github.com/krai-tech/krai-engine/internal/extract"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>"')\]}]+`)

// LinkProcessor finds URLs in the document text, classifies video platform
// links separately from plain links, and queues both for the storage stage.
type LinkProcessor struct {
	base
	queue           ArtifactQueue
	videoEnrichment bool
	log             *observability.Logger
}

// NewLinks creates the link extraction stage processor.
func NewLinks(queue ArtifactQueue, videoEnrichment bool, log *observability.Logger) *LinkProcessor {
	return &LinkProcessor{
		base:            base{stage: pipeline.StageLinkExtraction, inputs: []pipeline.Input{pipeline.InputFilePath}},
		queue:           queue,
		videoEnrichment: videoEnrichment,
		log:             log.WithComponent("link_stage"),
	}
}

// Process scans every page for URLs, deduplicates across the document, and
// enqueues a link or video artifact per distinct URL.
func (p *LinkProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	texts, err := ensurePageTexts(ctx, pc, p.log)
	if err != nil {
		return nil, err
	}

	svc := extract.NewService(pc.Config.EnableContext)
	log := p.log.WithDocument(pc.DocumentID.String())

	seen := make(map[string]bool)
	links, videos := 0, 0
	for _, page := range sortedPages(texts) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, raw := range urlRe.FindAllString(texts[page], -1) {
			url := trimURL(raw)
			if url == "" || seen[url] {
				continue
			}
			seen[url] = true

			mc := svc.Context(extract.Anchor{PageText: texts[page], Needle: url})

			var item storage.QueueItem
			if ref, err := enrich.ParseVideoURL(url); err == nil {
				item = storage.QueueItem{
					DocumentID:   pc.DocumentID,
					ArtifactType: storage.ArtifactVideo,
					Payload: storage.QueuePayload{Video: &storage.VideoPayload{
						URL:             ref.URL,
						Platform:        ref.Platform,
						VideoID:         ref.VideoID,
						PageNumber:      page,
						Description:     mc.Caption,
						NeedsEnrichment: p.videoEnrichment,
					}},
				}
				videos++
			} else {
				item = storage.QueueItem{
					DocumentID:   pc.DocumentID,
					ArtifactType: storage.ArtifactLink,
					Payload: storage.QueuePayload{Link: &storage.LinkPayload{
						URL:               url,
						PageNumber:        page,
						Description:       mc.Caption,
						RelatedErrorCodes: mc.RelatedErrorCodes,
						RelatedProducts:   mc.RelatedProducts,
					}},
				}
				links++
			}
			if err := p.queue.Enqueue(ctx, &item); err != nil {
				return nil, pipeline.Transient(p.Stage(), "enqueue_artifact", err)
			}
		}
	}

	log.Info().
		Int("links", links).
		Int("videos", videos).
		Msg("Links queued")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"links":  links,
			"videos": videos,
		},
	}, nil
}

// CleanupOldData drops pending link and video artifacts from the queue.
func (p *LinkProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	if _, err := p.queue.DeleteByArtifact(ctx, documentID, storage.ArtifactLink); err != nil {
		return err
	}
	_, err := p.queue.DeleteByArtifact(ctx, documentID, storage.ArtifactVideo)
	return err
}

// trimURL strips trailing punctuation that page text tends to glue onto a
// URL (sentence periods, closing brackets, commas).
func trimURL(raw string) string {
	return strings.TrimRight(raw, ".,;:!?)]}>'\"")
}
