package stages

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/patterns"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

func partsProcessor(docs *fakeDocuments, intel *fakeIntelligence, chunks *fakeChunks) *PartsProcessor {
	return NewParts(docs, intel, chunks, patterns.Default(), observability.DefaultLogger())
}

func TestPartsExtractsFromStoredChunks(t *testing.T) {
	docID := uuid.New()
	docs := newFakeDocuments(&storage.Document{ID: docID, Manufacturer: "Konica Minolta"})
	intel := newFakeIntelligence()
	chunks := &fakeChunks{rows: []storage.Chunk{
		{ID: uuid.New(), DocumentID: docID, Text: "Replace the toner supply unit A161-5500 when streaks persist."},
		{ID: uuid.New(), DocumentID: docID, Text: "The drum unit A02E-R701-00 wears out around 300k pages."},
	}}

	result, err := partsProcessor(docs, intel, chunks).Process(context.Background(), testPC(docID))
	require.NoError(t, err)

	assert.Equal(t, 2, result.Data["parts"])
	assert.Equal(t, 0, result.Data["links"])

	m, err := intel.GetOrCreateManufacturer(context.Background(), "Konica Minolta")
	require.NoError(t, err)
	part, ok := intel.parts["A161-5500/"+m.ID.String()]
	require.True(t, ok)
	assert.Equal(t, "consumable", part.Category)
	assert.Contains(t, part.Description, "toner supply unit")
}

func TestPartsLinksViaSolutionText(t *testing.T) {
	docID := uuid.New()
	docs := newFakeDocuments(&storage.Document{ID: docID, Manufacturer: "Konica Minolta"})
	intel := newFakeIntelligence()

	code := storage.ErrorCode{
		DocumentID: docID,
		Code:       "C-2557",
		Solution:   "Replace the developing unit A161-5500 and reset the counter.",
	}
	require.NoError(t, intel.UpsertErrorCode(context.Background(), &code))

	pc := testPC(docID)
	pc.Chunks = []storage.Chunk{
		{ID: uuid.New(), DocumentID: docID, Text: "Developing unit A161-5500, lifetime 600k."},
	}

	result, err := partsProcessor(docs, intel, &fakeChunks{}).Process(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Data["parts"])
	assert.Equal(t, 1, result.Data["links"])
	require.Len(t, intel.links, 1)
	assert.Equal(t, code.ID, intel.links[0].ErrorCodeID)
	assert.InDelta(t, 0.9, intel.links[0].RelevanceScore, 0.001)
	assert.Equal(t, "solution_text", intel.links[0].ExtractionSource)
}

func TestPartsLinksViaSharedChunk(t *testing.T) {
	docID := uuid.New()
	chunkID := uuid.New()
	docs := newFakeDocuments(&storage.Document{ID: docID, Manufacturer: "Konica Minolta"})
	intel := newFakeIntelligence()

	code := storage.ErrorCode{
		DocumentID: docID,
		Code:       "C-2557",
		Solution:   "Check the transfer belt tension.",
		ChunkID:    &chunkID,
	}
	require.NoError(t, intel.UpsertErrorCode(context.Background(), &code))

	pc := testPC(docID)
	pc.Chunks = []storage.Chunk{
		{ID: chunkID, DocumentID: docID, Text: "C-2557 transfer roller failure. Order roller A161-5500."},
	}

	result, err := partsProcessor(docs, intel, &fakeChunks{}).Process(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Data["links"])
	require.Len(t, intel.links, 1)
	assert.InDelta(t, 0.7, intel.links[0].RelevanceScore, 0.001)
	assert.Equal(t, "chunk_reference", intel.links[0].ExtractionSource)
}

func TestPartsSkipsExistingLink(t *testing.T) {
	docID := uuid.New()
	docs := newFakeDocuments(&storage.Document{ID: docID, Manufacturer: "Konica Minolta"})
	intel := newFakeIntelligence()

	m, err := intel.GetOrCreateManufacturer(context.Background(), "Konica Minolta")
	require.NoError(t, err)
	part := storage.Part{PartNumber: "A161-5500", ManufacturerID: m.ID}
	require.NoError(t, intel.UpsertPart(context.Background(), &part))

	code := storage.ErrorCode{
		DocumentID: docID,
		Code:       "C-2557",
		Solution:   "Replace A161-5500.",
	}
	require.NoError(t, intel.UpsertErrorCode(context.Background(), &code))
	require.NoError(t, intel.LinkErrorCodePart(context.Background(), &storage.ErrorCodePartLink{
		ErrorCodeID: code.ID, PartID: part.ID, RelevanceScore: 0.9, ExtractionSource: "solution_text",
	}))

	pc := testPC(docID)
	pc.Chunks = []storage.Chunk{
		{ID: uuid.New(), DocumentID: docID, Text: "Unit A161-5500 replacement procedure."},
	}

	// Reprocessing upserts the same part and hits the existing link, which
	// must be skipped rather than fail the stage.
	result, err := partsProcessor(docs, intel, &fakeChunks{}).Process(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Data["parts"])
	assert.Equal(t, 0, result.Data["links"])
	assert.Len(t, intel.links, 1)
}

func TestPartsStageIsRegistered(t *testing.T) {
	proc := partsProcessor(newFakeDocuments(), newFakeIntelligence(), &fakeChunks{})
	assert.Equal(t, pipeline.StagePartsExtraction, proc.Stage())
	assert.Empty(t, proc.RequiredInputs())
	assert.NoError(t, proc.CleanupOldData(context.Background(), uuid.New()))
}
