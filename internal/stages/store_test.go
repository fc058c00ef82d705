package stages

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

func TestStoreMaterializesImage(t *testing.T) {
	docID := uuid.New()
	queue := &fakeQueue{items: []storage.QueueItem{
		queuedImage(docID, storage.ImagePayload{
			Filename:       "page001_img01.png",
			PageNumber:     0,
			ImageType:      storage.ImageTypeDiagram,
			Content:        base64.StdEncoding.EncodeToString([]byte("png-bytes")),
			ContextCaption: "Figure 2-1 Paper feed assembly",
			VisionAnalysis: "Exploded view of the feed rollers",
		}),
	}}
	media := &fakeMedia{}
	objects := &fakeObjects{}
	proc := NewStore(queue, media, objects, observability.DefaultLogger())

	result, err := proc.Process(context.Background(), testPC(docID))
	require.NoError(t, err)

	assert.Equal(t, 1, result.Data["images"])
	require.Len(t, media.images, 1)
	img := media.images[0]
	assert.Equal(t, docID, img.DocumentID)
	assert.NotEmpty(t, img.StorageURL)
	assert.NotEmpty(t, img.FileHash)
	assert.Equal(t, "Exploded view of the feed rollers", img.VisionAnalysis)

	require.Len(t, objects.uploads, 1)
	assert.Equal(t, "krai-images", objects.uploads[0].bucket)
	assert.Equal(t, "image/png", objects.uploads[0].contentType)

	pending, _ := queue.CountPending(context.Background(), docID)
	assert.Equal(t, 0, pending, "stored artifacts leave the queue")
}

func TestStoreUploadsSVGDerivativeAsPNG(t *testing.T) {
	docID := uuid.New()
	queue := &fakeQueue{items: []storage.QueueItem{
		queuedImage(docID, storage.ImagePayload{
			Filename:         "page001_vector01.svg",
			ImageType:        storage.ImageTypeVectorGraphic,
			Content:          base64.StdEncoding.EncodeToString([]byte("rendered-png")),
			SVGStorageURL:    "minio://krai-images/ab/abcd",
			HasPNGDerivative: true,
		}),
	}}
	media := &fakeMedia{}
	objects := &fakeObjects{}
	proc := NewStore(queue, media, objects, observability.DefaultLogger())

	_, err := proc.Process(context.Background(), testPC(docID))
	require.NoError(t, err)

	require.Len(t, objects.uploads, 1)
	assert.Equal(t, "image/png", objects.uploads[0].contentType)
	require.Len(t, media.images, 1)
	assert.Equal(t, "minio://krai-images/ab/abcd", media.images[0].SVGStorageURL)
	assert.True(t, media.images[0].HasPNGDerivative)
}

func TestStoreUploadsInlineSVGWithoutDerivative(t *testing.T) {
	docID := uuid.New()
	queue := &fakeQueue{items: []storage.QueueItem{
		queuedImage(docID, storage.ImagePayload{
			Filename:  "page003_vector01.svg",
			ImageType: storage.ImageTypeVectorGraphic,
			SVGInline: "<svg><path d=\"M0 0 L10 10\"/></svg>",
		}),
	}}
	media := &fakeMedia{}
	objects := &fakeObjects{}
	proc := NewStore(queue, media, objects, observability.DefaultLogger())

	_, err := proc.Process(context.Background(), testPC(docID))
	require.NoError(t, err)

	require.Len(t, objects.uploads, 1)
	assert.Equal(t, "image/svg+xml", objects.uploads[0].contentType)
	require.Len(t, media.images, 1)
	assert.NotEmpty(t, media.images[0].SVGStorageURL)
	assert.False(t, media.images[0].HasPNGDerivative)
}

func TestStoreMaterializesLinksAndVideos(t *testing.T) {
	docID := uuid.New()
	queue := &fakeQueue{items: []storage.QueueItem{
		{
			ID: uuid.New(), DocumentID: docID, ArtifactType: storage.ArtifactLink,
			Status: storage.QueueStatePending,
			Payload: storage.QueuePayload{Link: &storage.LinkPayload{
				URL: "https://support.example.com/kb/123", PageNumber: 4,
				RelatedErrorCodes: []string{"C-2557"},
			}},
		},
		{
			ID: uuid.New(), DocumentID: docID, ArtifactType: storage.ArtifactVideo,
			Status: storage.QueueStatePending,
			Payload: storage.QueuePayload{Video: &storage.VideoPayload{
				URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", Platform: "youtube",
				VideoID: "dQw4w9WgXcQ", NeedsEnrichment: true,
			}},
		},
	}}
	media := &fakeMedia{}
	proc := NewStore(queue, media, &fakeObjects{}, observability.DefaultLogger())

	result, err := proc.Process(context.Background(), testPC(docID))
	require.NoError(t, err)

	assert.Equal(t, 1, result.Data["links"])
	assert.Equal(t, 1, result.Data["videos"])
	require.Len(t, media.links, 1)
	assert.Equal(t, []string{"C-2557"}, media.links[0].RelatedErrorCodes)
	require.Len(t, media.videos, 1)
	assert.Equal(t, "dQw4w9WgXcQ", media.videos[0].VideoID)
	assert.True(t, media.videos[0].Metadata.NeedsEnrichment)
}

func TestStoreMarksEmptyPayloadsFailed(t *testing.T) {
	docID := uuid.New()
	queue := &fakeQueue{items: []storage.QueueItem{
		{ID: uuid.New(), DocumentID: docID, ArtifactType: storage.ArtifactImage, Status: storage.QueueStatePending},
	}}
	proc := NewStore(queue, &fakeMedia{}, &fakeObjects{}, observability.DefaultLogger())

	result, err := proc.Process(context.Background(), testPC(docID))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Data["malformed"])

	// The row drops out of pending but survives for inspection.
	pending, _ := queue.CountPending(context.Background(), docID)
	assert.Equal(t, 0, pending)
	require.Len(t, queue.items, 1)
	assert.Equal(t, storage.QueueStateFailed, queue.items[0].Status)
}

func TestStoreLeavesFailedItemsPending(t *testing.T) {
	docID := uuid.New()
	queue := &fakeQueue{items: []storage.QueueItem{
		queuedImage(docID, storage.ImagePayload{
			Filename: "ok.png",
			Content:  base64.StdEncoding.EncodeToString([]byte("fine")),
		}),
		queuedImage(docID, storage.ImagePayload{Filename: "broken.png", TempPath: "/nonexistent/gone.png"}),
	}}
	media := &fakeMedia{}
	proc := NewStore(queue, media, &fakeObjects{}, observability.DefaultLogger())

	_, err := proc.Process(context.Background(), testPC(docID))
	require.Error(t, err)
	assert.Equal(t, pipeline.KindTransient, pipeline.Classify(err))

	// The good item was stored and dequeued; the broken one stays for the
	// retry to pick up.
	assert.Len(t, media.images, 1)
	pending, _ := queue.CountPending(context.Background(), docID)
	assert.Equal(t, 1, pending)
}

func TestStoreRemovesSpoolFileAfterSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.png")
	require.NoError(t, os.WriteFile(path, []byte("spooled"), 0o644))

	docID := uuid.New()
	queue := &fakeQueue{items: []storage.QueueItem{
		queuedImage(docID, storage.ImagePayload{Filename: "big.png", TempPath: path}),
	}}
	proc := NewStore(queue, &fakeMedia{}, &fakeObjects{}, observability.DefaultLogger())

	_, err := proc.Process(context.Background(), testPC(docID))
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "spool file should be removed")
}

func TestStoreUploadFailureKeepsItem(t *testing.T) {
	docID := uuid.New()
	queue := &fakeQueue{items: []storage.QueueItem{
		queuedImage(docID, storage.ImagePayload{
			Filename: "page001_img01.png",
			Content:  base64.StdEncoding.EncodeToString([]byte("png")),
		}),
	}}
	objects := &fakeObjects{uploadErr: errors.New("bucket unavailable")}
	media := &fakeMedia{}
	proc := NewStore(queue, media, objects, observability.DefaultLogger())

	_, err := proc.Process(context.Background(), testPC(docID))
	require.Error(t, err)
	assert.Empty(t, media.images)
	pending, _ := queue.CountPending(context.Background(), docID)
	assert.Equal(t, 1, pending)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "image/svg+xml", contentTypeFor("page001_vector01.svg"))
	assert.Equal(t, "image/jpeg", contentTypeFor("photo.jpg"))
	assert.Equal(t, "image/jpeg", contentTypeFor("photo.jpeg"))
	assert.Equal(t, "image/png", contentTypeFor("diagram.png"))
	assert.Equal(t, "image/png", contentTypeFor("unknown.bin"))
}
