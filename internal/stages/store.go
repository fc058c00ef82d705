package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

var errEmptyPayload = errors.New("queue item payload is empty")

// StoreProcessor drains the artifact queue: image bytes go to the object
// store, then images, links and videos materialize as database rows. Queue
// rows are deleted only after their artifact is durably stored, so a crash
// mid-stage leaves the remainder pending for the retry.
type StoreProcessor struct {
	base
	queue   ArtifactQueue
	media   MediaStore
	objects ObjectStore
	log     *observability.Logger
}

// NewStore creates the storage stage processor.
func NewStore(queue ArtifactQueue, media MediaStore, objects ObjectStore, log *observability.Logger) *StoreProcessor {
	return &StoreProcessor{
		base:    base{stage: pipeline.StageStorage},
		queue:   queue,
		media:   media,
		objects: objects,
		log:     log.WithComponent("storage_stage"),
	}
}

// Process materializes every pending artifact. Individual failures leave
// the item pending and the stage reports transient so the retry ladder
// picks up only what is left.
func (p *StoreProcessor) Process(ctx context.Context, pc *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	items, err := p.queue.ListPending(ctx, pc.DocumentID, maxQueueBatch)
	if err != nil {
		return nil, pipeline.Transient(p.Stage(), "list_pending", err)
	}

	log := p.log.WithDocument(pc.DocumentID.String())

	images, links, videos, failed, malformed := 0, 0, 0, 0, 0
	for i := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := &items[i]
		kind, err := p.storeItem(ctx, item)
		if errors.Is(err, errEmptyPayload) {
			// Retrying cannot conjure a payload into an empty row; mark it
			// failed so it drops out of pending but stays inspectable.
			log.Warn().Str("id", item.ID.String()).Msg("Queue item has empty payload, marking failed")
			if err := p.queue.MarkFailed(ctx, item.ID); err != nil {
				return nil, pipeline.Transient(p.Stage(), "fail_artifact", err)
			}
			malformed++
			continue
		}
		if err != nil {
			log.Warn().Str("artifact", string(item.ArtifactType)).Err(err).Msg("Artifact storage failed, left pending")
			failed++
			continue
		}
		if err := p.queue.Delete(ctx, item.ID); err != nil {
			return nil, pipeline.Transient(p.Stage(), "dequeue_artifact", err)
		}
		switch kind {
		case storage.ArtifactImage, storage.ArtifactSVG:
			images++
		case storage.ArtifactLink:
			links++
		case storage.ArtifactVideo:
			videos++
		}
	}

	if failed > 0 {
		return nil, pipeline.Transient(p.Stage(), "store_artifacts",
			fmt.Errorf("%d of %d artifacts failed to store", failed, len(items)))
	}

	log.Info().
		Int("images", images).
		Int("links", links).
		Int("videos", videos).
		Int("malformed", malformed).
		Msg("Artifacts materialized")

	return &pipeline.ProcessingResult{
		Data: map[string]interface{}{
			"processed": images + links + videos,
			"images":    images,
			"links":     links,
			"videos":    videos,
			"malformed": malformed,
		},
	}, nil
}

// storeItem materializes one queue item and reports its artifact type.
func (p *StoreProcessor) storeItem(ctx context.Context, item *storage.QueueItem) (storage.ArtifactType, error) {
	switch {
	case item.Payload.Image != nil:
		return item.ArtifactType, p.storeImage(ctx, item.DocumentID, item.Payload.Image)
	case item.Payload.Link != nil:
		l := item.Payload.Link
		return storage.ArtifactLink, p.media.UpsertLink(ctx, &storage.Link{
			DocumentID:        item.DocumentID,
			URL:               l.URL,
			PageNumber:        l.PageNumber,
			Description:       l.Description,
			RelatedErrorCodes: l.RelatedErrorCodes,
			RelatedProducts:   l.RelatedProducts,
		})
	case item.Payload.Video != nil:
		v := item.Payload.Video
		return storage.ArtifactVideo, p.media.UpsertVideo(ctx, &storage.Video{
			DocumentID:  item.DocumentID,
			URL:         v.URL,
			Platform:    v.Platform,
			VideoID:     v.VideoID,
			PageNumber:  v.PageNumber,
			Description: v.Description,
			Metadata:    storage.VideoMetadata{NeedsEnrichment: v.NeedsEnrichment},
		})
	default:
		return item.ArtifactType, errEmptyPayload
	}
}

// storeImage uploads the PNG bytes (or the inline SVG when that is all the
// artifact has) and upserts the image row. The payload's spool file is
// removed once the row is durable.
func (p *StoreProcessor) storeImage(ctx context.Context, documentID uuid.UUID, img *storage.ImagePayload) error {
	row := storage.Image{
		DocumentID:        documentID,
		Filename:          img.Filename,
		PageNumber:        img.PageNumber,
		Bbox:              img.Bbox,
		ImageType:         img.ImageType,
		FileHash:          img.FileHash,
		ContextCaption:    img.ContextCaption,
		RelatedErrorCodes: img.RelatedErrorCodes,
		RelatedProducts:   img.RelatedProducts,
		SVGStorageURL:     img.SVGStorageURL,
		HasPNGDerivative:  img.HasPNGDerivative,
		VisionAnalysis:    img.VisionAnalysis,
	}

	data, err := imageBytes(img)
	if err != nil {
		return fmt.Errorf("read image bytes: %w", err)
	}
	switch {
	case len(data) > 0:
		// Vector artifacts name the original .svg but carry their PNG
		// derivative as content.
		contentType := contentTypeFor(img.Filename)
		if img.HasPNGDerivative && strings.HasSuffix(img.Filename, ".svg") {
			contentType = "image/png"
		}
		uploaded, err := p.objects.Upload(ctx, p.objects.Buckets().Images, data, contentType)
		if err != nil {
			return fmt.Errorf("upload image: %w", err)
		}
		row.StorageURL = uploaded.URL
		row.StoragePath = uploaded.StoragePath
		if row.FileHash == "" {
			row.FileHash = uploaded.FileHash
		}
	case img.SVGInline != "" && img.SVGStorageURL == "":
		uploaded, err := p.objects.Upload(ctx, p.objects.Buckets().Images, []byte(img.SVGInline), "image/svg+xml")
		if err != nil {
			return fmt.Errorf("upload inline svg: %w", err)
		}
		row.SVGStorageURL = uploaded.URL
		row.StoragePath = uploaded.StoragePath
		if row.FileHash == "" {
			row.FileHash = uploaded.FileHash
		}
	case img.SVGStorageURL == "":
		return errors.New("image payload has no content")
	}

	if err := p.media.UpsertImage(ctx, &row); err != nil {
		return fmt.Errorf("upsert image: %w", err)
	}
	if img.TempPath != "" {
		if err := os.Remove(img.TempPath); err != nil && !os.IsNotExist(err) {
			p.log.Warn().Str("path", img.TempPath).Err(err).Msg("Spool file cleanup failed")
		}
	}
	return nil
}

// CleanupOldData clears the document's materialized media before a re-run.
func (p *StoreProcessor) CleanupOldData(ctx context.Context, documentID uuid.UUID) error {
	return p.media.DeleteByDocument(ctx, documentID)
}

// contentTypeFor maps an artifact filename to its MIME type.
func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".svg"):
		return "image/svg+xml"
	case strings.HasSuffix(filename, ".jpg"), strings.HasSuffix(filename, ".jpeg"):
		return "image/jpeg"
	default:
		return "image/png"
	}
}
