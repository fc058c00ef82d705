package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// ContextBuilder loads a fresh processing context for a document: its row,
// file hash, a local copy of the source file when one is needed, and the
// current config snapshot.
type ContextBuilder func(ctx context.Context, documentID uuid.UUID) (*ProcessingContext, error)

// DocumentStore is the slice of document persistence the runner needs.
type DocumentStore interface {
	SetStatus(ctx context.Context, id uuid.UUID, status storage.DocumentStatus) error
}

// Pipeline owns the processor registry and runs stages for documents.
type Pipeline struct {
	coordinator  *Coordinator
	statuses     StatusStore
	documents    DocumentStore
	buildContext ContextBuilder
	processors   map[Stage]Processor
	log          *observability.Logger
}

// New creates a pipeline. Processors are attached with Register.
func New(coordinator *Coordinator, statuses StatusStore, documents DocumentStore, builder ContextBuilder, log *observability.Logger) *Pipeline {
	return &Pipeline{
		coordinator:  coordinator,
		statuses:     statuses,
		documents:    documents,
		buildContext: builder,
		processors:   make(map[Stage]Processor),
		log:          log,
	}
}

// Register adds a processor to the registry, replacing any prior processor
// for the same stage.
func (p *Pipeline) Register(proc Processor) {
	p.processors[proc.Stage()] = proc
}

// Processor returns the registered processor for a stage.
func (p *Pipeline) Processor(stage Stage) (Processor, bool) {
	proc, ok := p.processors[stage]
	return proc, ok
}

// Coordinator exposes the safe-process wrapper, for callers that carry
// their own context (upload runs before a document row exists).
func (p *Pipeline) Coordinator() *Coordinator {
	return p.coordinator
}

// RunSingleStage runs exactly one stage for a document.
func (p *Pipeline) RunSingleStage(ctx context.Context, documentID uuid.UUID, stage Stage) (*ProcessingResult, error) {
	proc, ok := p.processors[stage]
	if !ok {
		return nil, fmt.Errorf("no processor registered for stage %q", stage)
	}
	pc, err := p.buildContext(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("build processing context: %w", err)
	}
	return p.coordinator.SafeProcess(ctx, proc, pc), nil
}

// StageHook observes each stage result as a multi-stage run produces it.
// Hooks run on the pipeline goroutine and should return quickly.
type StageHook func(stage Stage, result *ProcessingResult)

// RunStages runs a sequence of stages over one shared context, in the order
// given. Stage dependencies are checked against stages completed earlier,
// either in this run or in a previous one.
func (p *Pipeline) RunStages(ctx context.Context, documentID uuid.UUID, stages []Stage, stopOnError bool, hooks ...StageHook) (*MultiStageResult, error) {
	for _, stage := range stages {
		if _, ok := p.processors[stage]; !ok {
			return nil, fmt.Errorf("no processor registered for stage %q", stage)
		}
	}

	pc, err := p.buildContext(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("build processing context: %w", err)
	}

	if p.documents != nil {
		if err := p.documents.SetStatus(ctx, documentID, storage.DocumentStatusProcessing); err != nil {
			p.log.WithDocument(documentID.String()).Warn().Err(err).Msg("Failed to mark document processing")
		}
	}

	result := &MultiStageResult{DocumentID: documentID, TotalStages: len(stages)}
	completed := make(map[Stage]bool)
	start := time.Now()

	for _, stage := range stages {
		if unmet := p.unmetDependencies(ctx, documentID, stage, completed); len(unmet) > 0 {
			stageResult := ProcessingResult{
				Processor:     string(stage),
				Stage:         stage,
				Status:        storage.StageStateFailed,
				Error:         fmt.Sprintf("stage %s requires %v to complete first", stage, unmet),
				CorrelationID: CorrelationID(pc.RequestID, stage, 0),
			}
			result.StageResults = append(result.StageResults, stageResult)
			result.Failed++
			for _, hook := range hooks {
				hook(stage, &stageResult)
			}
			if stopOnError {
				break
			}
			continue
		}

		stageResult := p.coordinator.SafeProcess(ctx, p.processors[stage], pc)
		result.StageResults = append(result.StageResults, *stageResult)
		for _, hook := range hooks {
			hook(stage, stageResult)
		}

		if stageResult.Success {
			result.Successful++
			completed[stage] = true
			continue
		}
		result.Failed++

		if kind, ok := stageResult.Metadata["error_kind"].(string); ok && ErrorKind(kind) == KindFatal {
			break
		}
		if stopOnError {
			break
		}
	}

	if result.TotalStages > 0 {
		result.SuccessRate = float64(result.Successful) / float64(result.TotalStages)
	}

	if p.documents != nil && result.Failed > 0 {
		if err := p.documents.SetStatus(ctx, documentID, storage.DocumentStatusFailed); err != nil {
			p.log.WithDocument(documentID.String()).Warn().Err(err).Msg("Failed to mark document failed")
		}
	}

	p.log.WithDocument(documentID.String()).Info().
		Int("total", result.TotalStages).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("Stage run finished")
	return result, nil
}

// unmetDependencies returns declared dependencies of stage that are neither
// completed in this run nor recorded completed in the status table.
func (p *Pipeline) unmetDependencies(ctx context.Context, documentID uuid.UUID, stage Stage, completedInRun map[Stage]bool) []Stage {
	var unmet []Stage
	for _, dep := range stage.Dependencies() {
		if completedInRun[dep] {
			continue
		}
		status, err := p.statuses.Get(ctx, documentID, string(dep))
		if err == nil && status.Status == storage.StageStateCompleted {
			continue
		}
		unmet = append(unmet, dep)
	}
	return unmet
}

// GetStageStatus reads the status table for a document. found is false when
// the document has no stage rows at all.
func (p *Pipeline) GetStageStatus(ctx context.Context, documentID uuid.UUID) (bool, map[string]string, error) {
	rows, err := p.statuses.ListByDocument(ctx, documentID)
	if err != nil {
		return false, nil, fmt.Errorf("list stage status: %w", err)
	}
	if len(rows) == 0 {
		return false, map[string]string{}, nil
	}
	status := make(map[string]string, len(rows))
	for _, row := range rows {
		status[row.Stage] = string(row.Status)
	}
	return true, status, nil
}

// SmartStages derives the resume plan: every stage not yet completed, in
// declared order.
func (p *Pipeline) SmartStages(ctx context.Context, documentID uuid.UUID) ([]Stage, error) {
	_, status, err := p.GetStageStatus(ctx, documentID)
	if err != nil {
		return nil, err
	}
	var stages []Stage
	for _, stage := range AllStages() {
		if status[string(stage)] == string(storage.StageStateCompleted) {
			continue
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// ResumePending re-schedules background retries that were durable across a
// restart: every status row still in_progress with a due next_retry_at.
func (p *Pipeline) ResumePending(ctx context.Context) (int, error) {
	scheduler := p.coordinator.scheduler
	if scheduler == nil {
		return 0, fmt.Errorf("no retry scheduler attached")
	}

	rows, err := p.statuses.ListPendingRetries(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list pending retries: %w", err)
	}

	resumed := 0
	for _, row := range rows {
		stage := Stage(row.Stage)
		proc, ok := p.processors[stage]
		if !ok {
			p.log.Warn().Str("stage", row.Stage).Msg("Pending retry for unregistered stage")
			continue
		}
		pc, err := p.buildContext(ctx, row.DocumentID)
		if err != nil {
			p.log.WithDocument(row.DocumentID.String()).Warn().Err(err).Msg("Failed to rebuild context for pending retry")
			continue
		}
		// A rebuilt context has no run identifier yet; without one the
		// scheduler's correlation keys would collide across documents.
		if pc.RequestID == "" {
			pc.RequestID = NewRequestID()
		}
		if scheduler.Schedule(proc, pc, row.RetryAttempt, 0) {
			resumed++
		}
	}
	return resumed, nil
}

// Cancel drops pending background retries for one document.
func (p *Pipeline) Cancel(documentID uuid.UUID) int {
	if p.coordinator.scheduler == nil {
		return 0
	}
	return p.coordinator.scheduler.CancelDocument(documentID)
}
