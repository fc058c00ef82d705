// Package pipeline coordinates document processing: the fixed stage
// enumeration, the safe-process wrapper with completion markers and
// advisory locks, the hybrid retry engine, and the multi-stage runner.
package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// Stage identifies one processing step. All persisted state is keyed by the
// string name; the number only appears at the CLI and HTTP boundary.
type Stage string

const (
	StageUpload             Stage = "upload"
	StageTextExtraction     Stage = "text_extraction"
	StageTableExtraction    Stage = "table_extraction"
	StageSVGProcessing      Stage = "svg_processing"
	StageImageProcessing    Stage = "image_processing"
	StageVisualEmbedding    Stage = "visual_embedding"
	StageLinkExtraction     Stage = "link_extraction"
	StageChunkPreprocessing Stage = "chunk_preprocessing"
	StageClassification     Stage = "classification"
	StageMetadataExtraction Stage = "metadata_extraction"
	StagePartsExtraction    Stage = "parts_extraction"
	StageSeriesDetection    Stage = "series_detection"
	StageStorage            Stage = "storage"
	StageEmbedding          Stage = "embedding"
	StageSearchIndexing     Stage = "search_indexing"
)

// stageOrder is the declared processing order.
var stageOrder = []Stage{
	StageUpload,
	StageTextExtraction,
	StageTableExtraction,
	StageSVGProcessing,
	StageImageProcessing,
	StageVisualEmbedding,
	StageLinkExtraction,
	StageChunkPreprocessing,
	StageClassification,
	StageMetadataExtraction,
	StagePartsExtraction,
	StageSeriesDetection,
	StageStorage,
	StageEmbedding,
	StageSearchIndexing,
}

// stageDependencies lists stages that must be completed before a stage may
// run as part of a multi-stage request.
var stageDependencies = map[Stage][]Stage{
	StageSeriesDetection: {StageClassification, StageMetadataExtraction},
}

// AllStages returns the stages in declared order.
func AllStages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Number returns the 1-based position of the stage, or 0 if unknown.
func (s Stage) Number() int {
	for i, stage := range stageOrder {
		if stage == s {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether s is one of the declared stages.
func (s Stage) Valid() bool {
	return s.Number() != 0
}

func (s Stage) String() string {
	return string(s)
}

// Dependencies returns the stages that must complete before s.
func (s Stage) Dependencies() []Stage {
	deps := stageDependencies[s]
	out := make([]Stage, len(deps))
	copy(out, deps)
	return out
}

// ParseStage resolves a stage from its name or 1-based number.
func ParseStage(value string) (Stage, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("empty stage")
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n < 1 || n > len(stageOrder) {
			return "", fmt.Errorf("stage number %d out of range 1..%d", n, len(stageOrder))
		}
		return stageOrder[n-1], nil
	}
	s := Stage(strings.ToLower(value))
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", value)
	}
	return s, nil
}

// ParseStages resolves a comma-separated list of stage names or numbers,
// preserving the given order.
func ParseStages(csv string) ([]Stage, error) {
	var stages []Stage
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s, err := ParseStage(part)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("no stages given")
	}
	return stages, nil
}
