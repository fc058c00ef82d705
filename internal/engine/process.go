package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/pipeline"
)

// ErrUnknownStage rejects stage names outside the declared set.
var ErrUnknownStage = errors.New("unknown stage")

// StageInfo describes one pipeline stage for the boundary surfaces.
type StageInfo struct {
	Number       int      `json:"number"`
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// StageCatalog lists the stages in declared order.
func StageCatalog() []StageInfo {
	all := pipeline.AllStages()
	out := make([]StageInfo, 0, len(all))
	for _, stage := range all {
		info := StageInfo{Number: stage.Number(), Name: string(stage)}
		for _, dep := range stage.Dependencies() {
			info.Dependencies = append(info.Dependencies, string(dep))
		}
		out = append(out, info)
	}
	return out
}

// ParseStages resolves stage names or 1-based numbers into the declared
// stages, rejecting unknown values.
func ParseStages(names []string) ([]pipeline.Stage, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no stages given", ErrUnknownStage)
	}
	out := make([]pipeline.Stage, 0, len(names))
	for _, name := range names {
		stage, err := pipeline.ParseStage(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
		}
		out = append(out, stage)
	}
	return out, nil
}

// ProcessStage runs exactly one stage for a document under the safe-process
// protocol.
func (e *Engine) ProcessStage(ctx context.Context, documentID uuid.UUID, stageName string) (*pipeline.ProcessingResult, error) {
	stage, err := pipeline.ParseStage(stageName)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stageName)
	}
	return e.pipe.RunSingleStage(ctx, documentID, stage)
}

// ProcessStages runs a sequence of stages in declared order for a document.
// Hooks, if any, observe each stage result as it lands.
func (e *Engine) ProcessStages(ctx context.Context, documentID uuid.UUID, stageNames []string, stopOnError bool, hooks ...pipeline.StageHook) (*pipeline.MultiStageResult, error) {
	stages, err := ParseStages(stageNames)
	if err != nil {
		return nil, err
	}
	return e.pipe.RunStages(ctx, documentID, stages, stopOnError, hooks...)
}

// ProcessAll runs the full pipeline for a document.
func (e *Engine) ProcessAll(ctx context.Context, documentID uuid.UUID, stopOnError bool, hooks ...pipeline.StageHook) (*pipeline.MultiStageResult, error) {
	return e.pipe.RunStages(ctx, documentID, pipeline.AllStages(), stopOnError, hooks...)
}

// SmartResumeResult is the outcome of a resume run: the derived plan and,
// when stages remained, the run's results.
type SmartResumeResult struct {
	Planned []string                   `json:"planned"`
	Result  *pipeline.MultiStageResult `json:"result,omitempty"`
}

// SmartResume runs every stage not yet completed for a document, in
// declared order. A fully processed document yields an empty plan and no
// run.
func (e *Engine) SmartResume(ctx context.Context, documentID uuid.UUID, hooks ...pipeline.StageHook) (*SmartResumeResult, error) {
	stages, err := e.pipe.SmartStages(ctx, documentID)
	if err != nil {
		return nil, err
	}

	out := &SmartResumeResult{Planned: make([]string, 0, len(stages))}
	for _, stage := range stages {
		out.Planned = append(out.Planned, string(stage))
	}
	if len(stages) == 0 {
		return out, nil
	}

	result, err := e.pipe.RunStages(ctx, documentID, stages, false, hooks...)
	if err != nil {
		return nil, err
	}
	out.Result = result
	return out, nil
}

// StageStatus reads the per-stage status map for a document. found is false
// when the document has no stage rows yet.
func (e *Engine) StageStatus(ctx context.Context, documentID uuid.UUID) (bool, map[string]string, error) {
	return e.pipe.GetStageStatus(ctx, documentID)
}

// CancelDocument drops the document's pending background retries.
func (e *Engine) CancelDocument(documentID uuid.UUID) int {
	return e.pipe.Cancel(documentID)
}
