package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/cmd/krai/ui"
	"github.com/krai-tech/krai-engine/internal/engine"
	"github.com/krai-tech/krai-engine/internal/pipeline"
	"github.com/krai-tech/krai-engine/internal/storage"
)

func runListStages() error {
	catalog := engine.StageCatalog()
	rows := make([][]string, 0, len(catalog))
	for _, info := range catalog {
		deps := "-"
		if len(info.Dependencies) > 0 {
			deps = strings.Join(info.Dependencies, ", ")
		}
		rows = append(rows, []string{strconv.Itoa(info.Number), info.Name, deps})
	}
	ui.Table([]string{"#", "Stage", "Depends on"}, rows)
	return nil
}

func runUpload(ctx context.Context) error {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return userError("resolve path %q: %v", filePath, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return userError("file not found: %s", filePath)
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	sp := ui.NewSpinner(fmt.Sprintf("Uploading %s...", filepath.Base(abs)))
	sp.Start()
	receipt, err := eng.UploadDocument(ctx, abs)
	sp.Stop()
	if err != nil {
		return engineFailure(fmt.Errorf("upload: %w", err))
	}

	if receipt.Duplicate {
		ui.Warning("Identical content already registered; reusing the existing document")
	} else {
		ui.Success("Document registered")
	}
	ui.KeyValue("Document ID", receipt.Document.ID.String())
	ui.KeyValue("Filename", receipt.Document.Filename)
	ui.KeyValue("File hash", receipt.Document.FileHash)

	if stageName != "" {
		ui.Newline()
		return runStage(ctx, eng, receipt.Document.ID)
	}
	return nil
}

func runStage(ctx context.Context, eng *engine.Engine, id uuid.UUID) error {
	sp := ui.NewSpinner(fmt.Sprintf("Running stage %s...", stageName))
	sp.Start()
	result, err := eng.ProcessStage(ctx, id, stageName)
	sp.Stop()
	if err != nil {
		return classifyRunError(err, id)
	}

	printStageResult(result)
	if !result.Success {
		return engineFailure(errProcessingFailed)
	}
	return nil
}

func runStages(ctx context.Context, eng *engine.Engine, id uuid.UUID) error {
	names := splitStages(stageCSV)
	if len(names) == 0 {
		return userError("--stages needs at least one stage name")
	}

	bar := ui.NewProgressBar(int64(len(names)), "running "+names[0])
	result, err := eng.ProcessStages(ctx, id, names, stopOnErr,
		func(stage pipeline.Stage, _ *pipeline.ProcessingResult) {
			bar.Describe(string(stage))
			bar.Add(1)
		})
	bar.Finish()
	if err != nil {
		return classifyRunError(err, id)
	}

	printMultiStageResult(result)
	if result.Failed > 0 {
		return engineFailure(errProcessingFailed)
	}
	return nil
}

func runSmart(ctx context.Context, eng *engine.Engine, id uuid.UUID) error {
	sp := ui.NewSpinner("Planning resume...")
	sp.Start()
	res, err := eng.SmartResume(ctx, id,
		func(stage pipeline.Stage, _ *pipeline.ProcessingResult) {
			sp.UpdateMessage(fmt.Sprintf("Completed stage %s", stage))
		})
	sp.Stop()
	if err != nil {
		return classifyRunError(err, id)
	}

	if len(res.Planned) == 0 {
		ui.Success("All stages already completed")
		return nil
	}

	ui.Step("Resumed stages: %s", strings.Join(res.Planned, ", "))
	printMultiStageResult(res.Result)
	if res.Result.Failed > 0 {
		return engineFailure(errProcessingFailed)
	}
	return nil
}

func runStatus(ctx context.Context) error {
	id, err := uuid.Parse(statusID)
	if err != nil {
		return userError("invalid document id %q", statusID)
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	found, statuses, err := eng.StageStatus(ctx, id)
	if err != nil {
		return engineFailure(fmt.Errorf("read stage status: %w", err))
	}
	if !found {
		ui.Warning("No processing history for document %s", id)
		return nil
	}

	rows := make([][]string, 0, len(statuses))
	for _, info := range engine.StageCatalog() {
		state, ok := statuses[info.Name]
		if !ok {
			state = "-"
		}
		rows = append(rows, []string{strconv.Itoa(info.Number), info.Name, state})
	}
	ui.Table([]string{"#", "Stage", "Status"}, rows)
	return nil
}

// classifyRunError sorts a processing error into the exit-code buckets:
// unknown stages and missing documents are the caller's mistake, the rest is
// the engine's.
func classifyRunError(err error, id uuid.UUID) error {
	switch {
	case errors.Is(err, engine.ErrUnknownStage):
		return userError("%v", err)
	case errors.Is(err, storage.ErrNotFound):
		return userError("document %s not found", id)
	default:
		return engineFailure(err)
	}
}

func splitStages(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
