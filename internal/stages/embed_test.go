package stages

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/embedding"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

func newEmbedProcessor(chunks *fakeChunks, tables *fakeTables, media *fakeMedia, store *fakeEmbeddings) *EmbedProcessor {
	return NewEmbed(chunks, tables, media, store, embedding.NewMockEmbedder(),
		config.EmbeddingConfig{BatchSize: 10}, observability.DefaultLogger())
}

func TestEmbedCoversAllSourceTypes(t *testing.T) {
	docID := uuid.New()
	chunks := &fakeChunks{rows: []storage.Chunk{
		{ID: uuid.New(), DocumentID: docID, Text: "Replace the fuser unit.", Fingerprint: "f1"},
		{ID: uuid.New(), DocumentID: docID, Text: "Error C-2557 indicates a fusing fault.", Fingerprint: "f2"},
	}}
	tables := &fakeTables{rows: []storage.StructuredTable{
		{ID: uuid.New(), DocumentID: docID, Markdown: "| Code | Meaning |\n| --- | --- |\n| C-2557 | Fuser |"},
	}}
	media := &fakeMedia{images: []storage.Image{
		{ID: uuid.New(), DocumentID: docID, ContextCaption: "Figure 3-2", VisionAnalysis: "Fuser assembly"},
		{ID: uuid.New(), DocumentID: docID}, // no caption, no analysis: nothing to embed
	}}
	store := newFakeEmbeddings()
	proc := newEmbedProcessor(chunks, tables, media, store)

	result, err := proc.Process(context.Background(), testPC(docID))
	require.NoError(t, err)

	assert.Equal(t, 4, result.Data["embedded"])
	assert.Equal(t, 2, result.Data["chunks"])
	assert.Equal(t, 1, result.Data["tables"])
	assert.Equal(t, 1, result.Data["contexts"])

	byType, err := store.CountByDocumentAndType(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, 2, byType["text"])
	assert.Equal(t, 1, byType["table"])
	assert.Equal(t, 1, byType["context"])
}

func TestEmbedSkipsExistingVectors(t *testing.T) {
	docID := uuid.New()
	chunkID := uuid.New()
	chunks := &fakeChunks{rows: []storage.Chunk{
		{ID: chunkID, DocumentID: docID, Text: "already embedded"},
		{ID: uuid.New(), DocumentID: docID, Text: "still pending"},
	}}
	store := newFakeEmbeddings()
	require.NoError(t, store.UpsertBatch(context.Background(), []storage.UnifiedEmbedding{
		{DocumentID: docID, SourceID: chunkID, SourceType: storage.SourceTypeText},
	}))
	proc := newEmbedProcessor(chunks, &fakeTables{}, &fakeMedia{}, store)

	result, err := proc.Process(context.Background(), testPC(docID))
	require.NoError(t, err)

	assert.Equal(t, 1, result.Data["embedded"])
	assert.Equal(t, 1, result.Data["skipped_existing"])

	total, _ := store.CountByDocument(context.Background(), docID)
	assert.Equal(t, 2, total)
}

func TestEmbedPrefersCarrierChunks(t *testing.T) {
	docID := uuid.New()
	// The store holds nothing; the carrier has the chunks from the current
	// run, so no database round trip is needed.
	pc := testPC(docID)
	pc.Chunks = []storage.Chunk{
		{ID: uuid.New(), DocumentID: docID, Text: "carried over from chunking"},
	}
	store := newFakeEmbeddings()
	proc := newEmbedProcessor(&fakeChunks{}, &fakeTables{}, &fakeMedia{}, store)

	result, err := proc.Process(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Data["embedded"])
}

func TestEmbedSkipsBlankSources(t *testing.T) {
	docID := uuid.New()
	chunks := &fakeChunks{rows: []storage.Chunk{
		{ID: uuid.New(), DocumentID: docID, Text: "   \n\t "},
		{ID: uuid.New(), DocumentID: docID, Text: "real content"},
	}}
	store := newFakeEmbeddings()
	proc := newEmbedProcessor(chunks, &fakeTables{}, &fakeMedia{}, store)

	result, err := proc.Process(context.Background(), testPC(docID))
	require.NoError(t, err)

	assert.Equal(t, 1, result.Data["embedded"])
	assert.Equal(t, 1, result.Data["chunks"], "blank chunk is not a source")
}

func TestEmbedResourceLimitIsTransient(t *testing.T) {
	docID := uuid.New()
	chunks := &fakeChunks{rows: []storage.Chunk{
		{ID: uuid.New(), DocumentID: docID, Text: "some text"},
	}}
	mock := embedding.NewMockEmbedder()
	mock.Fail = &embedding.ResourceLimitError{StatusCode: 500, Message: "out of memory"}
	proc := NewEmbed(chunks, &fakeTables{}, &fakeMedia{}, newFakeEmbeddings(), mock,
		config.EmbeddingConfig{BatchSize: 10, MinBatchSize: 10}, observability.DefaultLogger())

	_, err := proc.Process(context.Background(), testPC(docID))
	require.Error(t, err)
	assert.Equal(t, pipeline.KindTransient, pipeline.Classify(err))
}

func TestEmbedCleanupDropsVectors(t *testing.T) {
	docID := uuid.New()
	store := newFakeEmbeddings()
	require.NoError(t, store.UpsertBatch(context.Background(), []storage.UnifiedEmbedding{
		{DocumentID: docID, SourceID: uuid.New(), SourceType: storage.SourceTypeText},
	}))
	proc := newEmbedProcessor(&fakeChunks{}, &fakeTables{}, &fakeMedia{}, store)

	require.NoError(t, proc.CleanupOldData(context.Background(), docID))
	total, _ := store.CountByDocument(context.Background(), docID)
	assert.Equal(t, 0, total)
}
