package stages

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/patterns"
	"github.com/krai-tech/krai-engine/internal/storage"
)

func metadataProcessor(docs *fakeDocuments, intel *fakeIntelligence, chunks *fakeChunks) *MetadataProcessor {
	return NewMetadata(docs, intel, chunks, patterns.Default(), observability.DefaultLogger())
}

func TestMetadataExtractsErrorCodes(t *testing.T) {
	docID := uuid.New()
	docs := newFakeDocuments(&storage.Document{ID: docID, Manufacturer: "Konica Minolta", Version: "4.0"})
	intel := newFakeIntelligence()

	pc := testPC(docID)
	pc.PageTexts = map[int]string{
		4: "C-2557 Toner density abnormal. Replace the developer unit and reset the counter.",
		7: "If C-2557 persists, contact an authorized service technician.",
	}

	result, err := metadataProcessor(docs, intel, &fakeChunks{}).Process(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Data["error_codes"], "the same code on a later page is not stored twice")

	codes, err := intel.ListErrorCodesByDocument(context.Background(), docID)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	ec := codes[0]
	assert.Equal(t, "C-2557", ec.Code)
	assert.Equal(t, 4, ec.PageNumber, "the first mention wins")
	assert.Equal(t, "Toner density abnormal.", ec.Description)
	assert.Contains(t, ec.Solution, "Replace the developer unit")
	assert.InDelta(t, 0.95, ec.Confidence, 0.001)
	assert.Equal(t, "pattern:km_c_code", ec.ExtractionMethod)
	assert.True(t, ec.RequiresParts)
	assert.Nil(t, ec.ChunkID)
}

func TestMetadataLinksCodesToSectionChunks(t *testing.T) {
	docID := uuid.New()
	chunkID := uuid.New()
	docs := newFakeDocuments(&storage.Document{ID: docID, Manufacturer: "Konica Minolta", Version: "4.0"})
	intel := newFakeIntelligence()

	pc := testPC(docID)
	pc.PageTexts = map[int]string{
		2: "C-2557 Toner density abnormal. Replace the developer unit.",
	}
	pc.Chunks = []storage.Chunk{
		{ID: uuid.New(), DocumentID: docID, ChunkType: storage.ChunkTypeText},
		{
			ID:         chunkID,
			DocumentID: docID,
			ChunkType:  storage.ChunkTypeErrorCodeSection,
			Metadata:   storage.ChunkMetadata{ErrorCode: "C-2557"},
		},
	}

	_, err := metadataProcessor(docs, intel, &fakeChunks{}).Process(context.Background(), pc)
	require.NoError(t, err)

	codes, err := intel.ListErrorCodesByDocument(context.Background(), docID)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	require.NotNil(t, codes[0].ChunkID)
	assert.Equal(t, chunkID, *codes[0].ChunkID)
}

func TestMetadataFallsBackToStoredChunks(t *testing.T) {
	docID := uuid.New()
	chunkID := uuid.New()
	docs := newFakeDocuments(&storage.Document{ID: docID, Manufacturer: "Konica Minolta", Version: "4.0"})
	intel := newFakeIntelligence()
	chunks := &fakeChunks{rows: []storage.Chunk{
		{
			ID:         chunkID,
			DocumentID: docID,
			ChunkType:  storage.ChunkTypeErrorCodeSection,
			Metadata:   storage.ChunkMetadata{ErrorCode: "C-2557"},
		},
	}}

	pc := testPC(docID)
	pc.PageTexts = map[int]string{0: "C-2557 Toner density abnormal."}

	_, err := metadataProcessor(docs, intel, chunks).Process(context.Background(), pc)
	require.NoError(t, err)

	codes, err := intel.ListErrorCodesByDocument(context.Background(), docID)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	require.NotNil(t, codes[0].ChunkID)
	assert.Equal(t, chunkID, *codes[0].ChunkID)
}

func TestMetadataBackfillsVersion(t *testing.T) {
	docID := uuid.New()
	docs := newFakeDocuments(&storage.Document{ID: docID, Manufacturer: "HP"})

	pc := testPC(docID)
	pc.PageTexts = map[int]string{
		0: "LaserJet Enterprise M607 Service Manual\nVersion 3.2",
	}

	result, err := metadataProcessor(docs, newFakeIntelligence(), &fakeChunks{}).Process(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, "3.2", result.Data["version"])

	row, err := docs.GetByID(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, "3.2", row.Version)
}

func TestMetadataKeepsClassifiedVersion(t *testing.T) {
	docID := uuid.New()
	docs := newFakeDocuments(&storage.Document{ID: docID, Manufacturer: "HP", Version: "1.0"})

	pc := testPC(docID)
	pc.PageTexts = map[int]string{0: "Service Manual Version 3.2"}

	_, err := metadataProcessor(docs, newFakeIntelligence(), &fakeChunks{}).Process(context.Background(), pc)
	require.NoError(t, err)

	row, err := docs.GetByID(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, "1.0", row.Version, "classification's version is authoritative")
}

func TestMetadataCleanupDropsErrorCodes(t *testing.T) {
	docID := uuid.New()
	intel := newFakeIntelligence()
	require.NoError(t, intel.UpsertErrorCode(context.Background(), &storage.ErrorCode{DocumentID: docID, Code: "C-2557"}))
	require.NoError(t, intel.UpsertErrorCode(context.Background(), &storage.ErrorCode{DocumentID: uuid.New(), Code: "E045"}))

	proc := metadataProcessor(newFakeDocuments(), intel, &fakeChunks{})
	require.NoError(t, proc.CleanupOldData(context.Background(), docID))

	codes, err := intel.ListErrorCodesByDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.Empty(t, codes)
	assert.Len(t, intel.errorCodes, 1, "other documents keep their codes")
}
