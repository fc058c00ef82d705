package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/engine"
	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// introPage and troubleshootingPage are the hand-sized service-manual pages
// the ingest tests share. Every section body fits inside one 500-character
// chunk, and the troubleshooting page carries a numeric error code with the
// repair part in its solution sentence.
const introPage = `SERVICE MANUAL

1. Introduction

This manual covers safe servicing of the LaserJet M479 series. Always disconnect mains power before removing any cover. Static-sensitive boards must be handled at a grounded workstation.

2. Installation

Unpack the printer and remove all shipping tape before first power-on. Install the toner cartridges and load plain paper in tray two. Print a configuration page to confirm network connectivity.`

const troubleshootingPage = `3. Troubleshooting

Begin every diagnosis with the event log printed from the service menu. Confirm the firmware is current before swapping hardware. Intermittent faults usually trace to loose connectors rather than boards.

900.01 Fuser unit failure

Error 900.01 indicates the fuser assembly has overheated. Replace fuser unit (part A0X1-1234) to continue. Power off the printer and allow the fuser to cool for thirty minutes before service.`

func writeTempPDF(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestUploadDeduplication(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available, skipping integration test")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()
	setup.RunMigrations(t)

	cfg := config.DefaultConfig()
	cfg.Database.URL = setup.PostgresConnStr
	cfg.Cache.Driver = "redis"
	cfg.Cache.Redis.Addr = setup.RedisAddr

	eng, err := engine.New(cfg, observability.DefaultLogger())
	require.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()
	path := writeTempPDF(t, "m479-service.pdf", "%PDF-1.7\nM479 service manual body\n%%EOF")

	first, err := eng.UploadDocument(ctx, path)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.NotEqual(t, uuid.Nil, first.Document.ID)
	require.Equal(t, "m479-service.pdf", first.Document.Filename)
	require.NotEmpty(t, first.Document.FileHash)

	second, err := eng.UploadDocument(ctx, path)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Document.ID, second.Document.ID)

	// A renamed copy with identical bytes still collapses to the original.
	copyPath := writeTempPDF(t, "m479-copy.pdf", "%PDF-1.7\nM479 service manual body\n%%EOF")
	third, err := eng.UploadDocument(ctx, copyPath)
	require.NoError(t, err)
	require.True(t, third.Duplicate)
	require.Equal(t, first.Document.ID, third.Document.ID)

	otherPath := writeTempPDF(t, "e877-admin.pdf", "%PDF-1.7\nE877 administration guide\n%%EOF")
	fourth, err := eng.UploadDocument(ctx, otherPath)
	require.NoError(t, err)
	require.False(t, fourth.Duplicate)
	require.NotEqual(t, first.Document.ID, fourth.Document.ID)
}

func TestSmartResumePlan(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available, skipping integration test")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()

	h := newPipelineHarness(t, setup, harnessOptions{})
	defer h.Close()

	ctx := context.Background()
	doc := h.createDocument(t, ctx, nil)

	// A document with no stage rows gets the full plan.
	plan, err := h.pipe.SmartStages(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.AllStages(), plan)

	now := time.Now().UTC()
	for _, stage := range []pipeline.Stage{pipeline.StageUpload, pipeline.StageTextExtraction} {
		require.NoError(t, h.repos.Statuses.Upsert(ctx, &storage.StageStatus{
			DocumentID: doc.ID,
			Stage:      string(stage),
			Status:     storage.StageStateCompleted,
			FinishedAt: &now,
			Progress:   1,
		}))
	}

	plan, err = h.pipe.SmartStages(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.AllStages()[2:], plan)
	require.Equal(t, pipeline.StageTableExtraction, plan[0])

	// Failed stages stay in the plan.
	require.NoError(t, h.repos.Statuses.Upsert(ctx, &storage.StageStatus{
		DocumentID: doc.ID,
		Stage:      string(pipeline.StageTableExtraction),
		Status:     storage.StageStateFailed,
		FinishedAt: &now,
		Error:      "table parser crashed",
	}))
	plan, err = h.pipe.SmartStages(ctx, doc.ID)
	require.NoError(t, err)
	require.Contains(t, plan, pipeline.StageTableExtraction)
	require.NotContains(t, plan, pipeline.StageUpload)
}

func TestChunkingPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available, skipping integration test")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()

	h := newPipelineHarness(t, setup, harnessOptions{})
	defer h.Close()

	ctx := context.Background()
	doc := h.createDocument(t, ctx, nil)

	pc := newProcessingContext(doc, map[int]string{1: introPage, 2: troubleshootingPage})
	pc.Config.ChunkSize = 500
	pc.Config.Overlap = 100
	h.setContext(pc)

	res := h.runStage(t, ctx, pipeline.StageChunkPreprocessing, pc)
	require.True(t, res.Success, "chunking failed: %s", res.Error)
	require.Equal(t, storage.StageStateCompleted, res.Status)
	require.Equal(t, 4, res.Data["chunks"])
	require.Equal(t, 1, res.Data["error_code_sections"])

	chunks, err := h.repos.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	for i, ch := range chunks {
		require.Equal(t, i, ch.ChunkIndex)
		require.NotEmpty(t, ch.Text)
		require.NotEmpty(t, ch.Fingerprint)
		require.LessOrEqual(t, len(ch.Text), 500)
	}

	intro := chunks[0]
	require.Equal(t, storage.ChunkTypeText, intro.ChunkType)
	require.Equal(t, "1. Introduction", intro.Metadata.HeaderText)
	require.Equal(t, []string{"1. Introduction"}, intro.Metadata.SectionHierarchy)
	require.Equal(t, 1, intro.Metadata.SectionLevel)
	require.Equal(t, 1, intro.PageStart)
	require.Equal(t, 1, intro.PageEnd)

	fuser := chunks[3]
	require.Equal(t, storage.ChunkTypeErrorCodeSection, fuser.ChunkType)
	require.Equal(t, "900.01", fuser.Metadata.ErrorCode)
	require.Equal(t, "900.01 Fuser unit failure", fuser.Metadata.HeaderText)
	require.Equal(t, []string{"3. Troubleshooting", "900.01 Fuser unit failure"},
		fuser.Metadata.SectionHierarchy)
	require.Equal(t, 2, fuser.Metadata.SectionLevel)
	require.Equal(t, 2, fuser.PageStart)
	require.Contains(t, fuser.Text, "A0X1-1234")

	// Neighbor links survive the database round-trip.
	require.Nil(t, chunks[0].Metadata.PreviousChunkID)
	require.NotNil(t, chunks[0].Metadata.NextChunkID)
	require.Equal(t, chunks[1].ID, *chunks[0].Metadata.NextChunkID)
	require.NotNil(t, chunks[1].Metadata.PreviousChunkID)
	require.Equal(t, chunks[0].ID, *chunks[1].Metadata.PreviousChunkID)
	require.Nil(t, chunks[3].Metadata.NextChunkID)
}

func TestErrorCodePartsLinking(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available, skipping integration test")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()

	h := newPipelineHarness(t, setup, harnessOptions{})
	defer h.Close()

	ctx := context.Background()
	doc := h.createDocument(t, ctx, nil)

	pc := newProcessingContext(doc, map[int]string{1: troubleshootingPage})
	h.setContext(pc)

	run, err := h.pipe.RunStages(ctx, doc.ID, []pipeline.Stage{
		pipeline.StageChunkPreprocessing,
		pipeline.StageMetadataExtraction,
		pipeline.StagePartsExtraction,
	}, true)
	require.NoError(t, err)
	require.Equal(t, 3, run.Successful)
	require.Zero(t, run.Failed)

	codes, err := h.repos.Intelligence.ListErrorCodesByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, codes, 1)

	ec := codes[0]
	require.Equal(t, "900.01", ec.Code)
	require.Equal(t, storage.SeverityHigh, ec.Severity)
	require.True(t, ec.RequiresParts)
	require.False(t, ec.RequiresTechnician)
	require.Contains(t, ec.Description, "Fuser unit failure")
	require.Contains(t, ec.Solution, "A0X1-1234")
	require.Equal(t, "pattern:generic_numeric", ec.ExtractionMethod)
	require.InDelta(t, 0.7, ec.Confidence, 1e-9)
	require.Equal(t, 1, ec.PageNumber)

	// The code resolves to the chunk carrying its section.
	require.NotNil(t, ec.ChunkID)
	section, err := h.repos.Chunks.GetByID(ctx, *ec.ChunkID)
	require.NoError(t, err)
	require.Equal(t, storage.ChunkTypeErrorCodeSection, section.ChunkType)
	require.Equal(t, "900.01", section.Metadata.ErrorCode)

	// Unclassified documents land in the AUTO manufacturer's catalog.
	auto, err := h.repos.Intelligence.GetManufacturerByName(ctx, "AUTO")
	require.NoError(t, err)
	part, err := h.repos.Intelligence.GetPartByNumber(ctx, "A0X1-1234", auto.ID)
	require.NoError(t, err)
	require.Equal(t, "A0X1-1234", part.PartNumber)

	links, err := h.repos.Intelligence.ListLinksForErrorCode(ctx, ec.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, part.ID, links[0].PartID)
	require.InDelta(t, 0.9, links[0].RelevanceScore, 1e-9)
	require.Equal(t, "solution_text", links[0].ExtractionSource)

	// Replaying the stage skips on its completion marker and leaves the
	// catalog untouched.
	rerun := h.runStage(t, ctx, pipeline.StagePartsExtraction, pc)
	require.True(t, rerun.Success)
	require.Equal(t, "already_processed", rerun.Data["skipped"])

	links, err = h.repos.Intelligence.ListLinksForErrorCode(ctx, ec.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
}

func TestStageReplayIdempotency(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available, skipping integration test")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()

	h := newPipelineHarness(t, setup, harnessOptions{})
	defer h.Close()

	ctx := context.Background()
	doc := h.createDocument(t, ctx, nil)

	pc := newProcessingContext(doc, map[int]string{1: troubleshootingPage})
	h.setContext(pc)

	first := h.runStage(t, ctx, pipeline.StageChunkPreprocessing, pc)
	require.True(t, first.Success, "chunking failed: %s", first.Error)

	before, err := h.repos.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	marker, err := h.repos.Markers.Get(ctx, doc.ID, string(pipeline.StageChunkPreprocessing))
	require.NoError(t, err)
	require.Equal(t, pc.ComputeDataHash(), marker.DataHash)

	// Same inputs: the marker short-circuits and the rows are untouched.
	second := h.runStage(t, ctx, pipeline.StageChunkPreprocessing, pc)
	require.True(t, second.Success)
	require.Equal(t, "already_processed", second.Data["skipped"])

	after, err := h.repos.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, chunkIDs(before), chunkIDs(after))

	// Changed chunking config: the marker invalidates, old rows are cleaned
	// up, and the stage runs again.
	pc.Config.ChunkSize = 300
	pc.Config.Overlap = 50

	third := h.runStage(t, ctx, pipeline.StageChunkPreprocessing, pc)
	require.True(t, third.Success, "re-chunking failed: %s", third.Error)
	require.NotContains(t, third.Data, "skipped")

	rebuilt, err := h.repos.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rebuilt)
	require.NotEqual(t, chunkIDs(before), chunkIDs(rebuilt))

	marker, err = h.repos.Markers.Get(ctx, doc.ID, string(pipeline.StageChunkPreprocessing))
	require.NoError(t, err)
	require.Equal(t, pc.ComputeDataHash(), marker.DataHash)

	status, err := h.repos.Statuses.Get(ctx, doc.ID, string(pipeline.StageChunkPreprocessing))
	require.NoError(t, err)
	require.Equal(t, storage.StageStateCompleted, status.Status)
	require.Equal(t, float64(1), status.Progress)
}

func chunkIDs(chunks []storage.Chunk) []uuid.UUID {
	ids := make([]uuid.UUID, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
	}
	return ids
}
