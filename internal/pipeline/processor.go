package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/krai-tech/krai-engine/internal/observability"
	"github.com/krai-tech/krai-engine/internal/storage"
)

// Input names a context field a processor requires before it can run.
type Input string

const (
	InputFilePath  Input = "file_path"
	InputFileHash  Input = "file_hash"
	InputPageTexts Input = "page_texts"
	InputChunks    Input = "chunks"
)

// Processor is one pipeline stage. Process does the work; CleanupOldData
// removes the stage's prior outputs when a completion marker is invalidated
// by a data-hash mismatch.
type Processor interface {
	Name() string
	Stage() Stage
	RequiredInputs() []Input
	Process(ctx context.Context, pc *ProcessingContext) (*ProcessingResult, error)
	CleanupOldData(ctx context.Context, documentID uuid.UUID) error
}

// MarkerStore persists stage completion markers.
type MarkerStore interface {
	Get(ctx context.Context, documentID uuid.UUID, stage string) (*storage.StageCompletionMarker, error)
	Put(ctx context.Context, m *storage.StageCompletionMarker) error
	Delete(ctx context.Context, documentID uuid.UUID, stage string) error
}

// StatusStore persists per-stage status rows.
type StatusStore interface {
	Upsert(ctx context.Context, s *storage.StageStatus) error
	Get(ctx context.Context, documentID uuid.UUID, stage string) (*storage.StageStatus, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]storage.StageStatus, error)
	ListPendingRetries(ctx context.Context, before time.Time) ([]storage.StageStatus, error)
}

// ErrorStore records stage failures for operators.
type ErrorStore interface {
	RecordError(ctx context.Context, e *storage.ErrorLogEntry) error
}

// MetricsSink receives per-invocation timing samples.
type MetricsSink interface {
	RecordStageMetric(ctx context.Context, m *storage.StageMetricEntry) error
}

// Coordinator wraps processors in the safe-process protocol: completion
// markers, advisory locks, input validation, hybrid retries, error logging,
// and metrics.
type Coordinator struct {
	markers  MarkerStore
	statuses StatusStore
	errLog   ErrorStore
	metrics  MetricsSink
	locks    LockManager
	policy   RetryPolicy
	log      *observability.Logger

	// scheduler is optional. Without one, later transient failures fall
	// back to synchronous in-process retries.
	scheduler *RetryScheduler
}

// NewCoordinator wires a coordinator over the given stores.
func NewCoordinator(markers MarkerStore, statuses StatusStore, errLog ErrorStore, metrics MetricsSink, locks LockManager, policy RetryPolicy, log *observability.Logger) *Coordinator {
	return &Coordinator{
		markers:  markers,
		statuses: statuses,
		errLog:   errLog,
		metrics:  metrics,
		locks:    locks,
		policy:   policy,
		log:      log,
	}
}

// SetScheduler attaches the background retry scheduler.
func (c *Coordinator) SetScheduler(s *RetryScheduler) {
	c.scheduler = s
}

// Policy returns the coordinator's retry policy.
func (c *Coordinator) Policy() RetryPolicy {
	return c.policy
}

// SafeProcess runs one processor under the full protocol. The returned
// result is always non-nil; Status tells the caller whether the stage
// completed, failed, or continues on a background retry.
func (c *Coordinator) SafeProcess(ctx context.Context, p Processor, pc *ProcessingContext) *ProcessingResult {
	stage := p.Stage()
	if pc.RequestID == "" {
		pc.RequestID = NewRequestID()
	}

	attempt := pc.RetryAttempt
	start := time.Now()
	for {
		pc.RetryAttempt = attempt
		pc.CorrelationID = CorrelationID(pc.RequestID, stage, attempt)
		log := c.log.WithDocument(pc.DocumentID.String()).WithStage(string(stage))

		result, err := c.runAttempt(ctx, p, pc)
		if err == nil {
			result.ProcessingTime = time.Since(start)
			c.emitMetric(pc, stage, result.ProcessingTime, result.Success)
			return result
		}

		kind := Classify(err)
		errorID := c.recordError(pc, stage, kind, attempt, err)
		log.Warn().
			Str("correlation_id", pc.CorrelationID).
			Str("error_kind", string(kind)).
			Int("attempt", attempt).
			Err(err).
			Msg("Stage attempt failed")

		switch {
		case kind == KindCancelled:
			return c.finishFailed(ctx, pc, p, stage, kind, err, errorID, start)

		case kind == KindPermanent || kind == KindFatal || attempt >= c.policy.MaxRetries:
			return c.finishFailed(ctx, pc, p, stage, kind, err, errorID, start)

		case attempt == 0:
			// First transient failure: one synchronous retry after the
			// base delay, no background machinery involved.
			if !sleepContext(ctx, c.policy.BaseDelay) {
				return c.finishFailed(ctx, pc, p, stage, KindCancelled, ctx.Err(), errorID, start)
			}
			attempt++

		default:
			next := attempt + 1
			delay := c.policy.Delay(next)
			if c.scheduleBackground(ctx, p, pc, next, delay) {
				result := &ProcessingResult{
					Processor:      p.Name(),
					Stage:          stage,
					Status:         storage.StageStateInProgress,
					Data:           map[string]interface{}{"background_retry": true},
					CorrelationID:  CorrelationID(pc.RequestID, stage, next),
					ErrorID:        errorID,
					ProcessingTime: time.Since(start),
				}
				c.emitMetric(pc, stage, result.ProcessingTime, false)
				return result
			}
			// Scheduler unavailable: degrade to a synchronous retry
			// rather than reclassifying the failure as permanent.
			if !sleepContext(ctx, delay) {
				return c.finishFailed(ctx, pc, p, stage, KindCancelled, ctx.Err(), errorID, start)
			}
			attempt++
		}
	}
}

// runAttempt executes one guarded attempt: marker check, lock, input
// validation, status tracking, and the processor itself. A nil error means
// the returned result is terminal for this attempt (success, skip, or
// retry-in-progress); a non-nil error is classified by the caller.
func (c *Coordinator) runAttempt(ctx context.Context, p Processor, pc *ProcessingContext) (result *ProcessingResult, err error) {
	stage := p.Stage()
	dataHash := pc.ComputeDataHash()

	marker, merr := c.markers.Get(ctx, pc.DocumentID, string(stage))
	switch {
	case merr == nil:
		if marker.DataHash == dataHash {
			return &ProcessingResult{
				Success:       true,
				Processor:     p.Name(),
				Stage:         stage,
				Status:        storage.StageStateCompleted,
				Data:          map[string]interface{}{"skipped": "already_processed"},
				CorrelationID: pc.CorrelationID,
			}, nil
		}
		// Inputs changed since the marker was written. Let the stage
		// clear its old outputs, drop the marker, and run again.
		if cerr := p.CleanupOldData(ctx, pc.DocumentID); cerr != nil {
			return nil, Permanent(stage, "cleanup_old_data", cerr)
		}
		if derr := c.markers.Delete(ctx, pc.DocumentID, string(stage)); derr != nil {
			return nil, Transient(stage, "delete_marker", derr)
		}
	case errors.Is(merr, storage.ErrNotFound):
		// First run for this (document, stage).
	default:
		return nil, Transient(stage, "load_marker", merr)
	}

	lockKey := LockKey(pc.DocumentID, stage)
	acquired, lerr := c.locks.TryAcquire(ctx, lockKey)
	if lerr != nil {
		return nil, Transient(stage, "acquire_lock", lerr)
	}
	if !acquired {
		// Another worker owns this (document, stage) right now.
		return &ProcessingResult{
			Processor:     p.Name(),
			Stage:         stage,
			Status:        storage.StageStateInProgress,
			Data:          map[string]interface{}{"retry_in_progress": true},
			CorrelationID: pc.CorrelationID,
		}, nil
	}
	defer func() {
		if rerr := c.locks.Release(context.WithoutCancel(ctx), lockKey); rerr != nil {
			c.log.Warn().Str("stage", string(stage)).Err(rerr).Msg("Failed to release advisory lock")
		}
	}()

	for _, input := range p.RequiredInputs() {
		if verr := validateInput(pc, input); verr != nil {
			return nil, Permanent(stage, "validate_inputs", verr)
		}
	}

	now := time.Now().UTC()
	if serr := c.statuses.Upsert(ctx, &storage.StageStatus{
		DocumentID:   pc.DocumentID,
		Stage:        string(stage),
		Status:       storage.StageStateInProgress,
		StartedAt:    &now,
		RetryAttempt: pc.RetryAttempt,
	}); serr != nil {
		return nil, Transient(stage, "mark_in_progress", serr)
	}

	attemptStart := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(stage, "process", fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
			result = nil
		}
	}()
	result, err = p.Process(ctx, pc)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &ProcessingResult{}
	}

	result.Success = true
	result.Processor = p.Name()
	result.Stage = stage
	result.Status = storage.StageStateCompleted
	result.CorrelationID = pc.CorrelationID
	elapsed := time.Since(attemptStart)

	if merr := c.markers.Put(ctx, &storage.StageCompletionMarker{
		DocumentID: pc.DocumentID,
		Stage:      string(stage),
		DataHash:   dataHash,
		Metadata: storage.MarkerMetadata{
			ProcessingTimeMS: elapsed.Milliseconds(),
			RetryAttempt:     pc.RetryAttempt,
			CorrelationID:    pc.CorrelationID,
		},
	}); merr != nil {
		return nil, Transient(stage, "put_marker", merr)
	}

	finished := time.Now().UTC()
	if serr := c.statuses.Upsert(ctx, &storage.StageStatus{
		DocumentID:   pc.DocumentID,
		Stage:        string(stage),
		Status:       storage.StageStateCompleted,
		FinishedAt:   &finished,
		Progress:     1,
		RetryAttempt: pc.RetryAttempt,
	}); serr != nil {
		c.log.Warn().Str("stage", string(stage)).Err(serr).Msg("Failed to mark stage completed")
	}
	return result, nil
}

// finishFailed records the terminal failure state and builds the result.
func (c *Coordinator) finishFailed(ctx context.Context, pc *ProcessingContext, p Processor, stage Stage, kind ErrorKind, err error, errorID string, start time.Time) *ProcessingResult {
	finished := time.Now().UTC()
	if serr := c.statuses.Upsert(context.WithoutCancel(ctx), &storage.StageStatus{
		DocumentID:   pc.DocumentID,
		Stage:        string(stage),
		Status:       storage.StageStateFailed,
		FinishedAt:   &finished,
		Error:        err.Error(),
		RetryAttempt: pc.RetryAttempt,
	}); serr != nil {
		c.log.Error().Str("stage", string(stage)).Err(serr).Msg("Failed to mark stage failed")
	}

	result := &ProcessingResult{
		Processor:      p.Name(),
		Stage:          stage,
		Status:         storage.StageStateFailed,
		Metadata:       map[string]interface{}{"error_kind": string(kind)},
		Error:          err.Error(),
		ErrorID:        errorID,
		CorrelationID:  pc.CorrelationID,
		ProcessingTime: time.Since(start),
	}
	c.emitMetric(pc, stage, result.ProcessingTime, false)
	return result
}

// scheduleBackground hands the next attempt to the retry scheduler and
// persists the schedule so a restart can resume it. Reports false when the
// orchestration path is unavailable.
func (c *Coordinator) scheduleBackground(ctx context.Context, p Processor, pc *ProcessingContext, nextAttempt int, delay time.Duration) bool {
	if c.scheduler == nil {
		return false
	}

	nextAt := time.Now().UTC().Add(delay)
	if serr := c.statuses.Upsert(context.WithoutCancel(ctx), &storage.StageStatus{
		DocumentID:   pc.DocumentID,
		Stage:        string(p.Stage()),
		Status:       storage.StageStateInProgress,
		RetryAttempt: nextAttempt,
		NextRetryAt:  &nextAt,
	}); serr != nil {
		c.log.Warn().Err(serr).Msg("Failed to persist background retry schedule")
		return false
	}

	return c.scheduler.Schedule(p, pc.Clone(), nextAttempt, delay)
}

func (c *Coordinator) recordError(pc *ProcessingContext, stage Stage, kind ErrorKind, attempt int, err error) string {
	entry := &storage.ErrorLogEntry{
		DocumentID:     pc.DocumentID,
		Stage:          string(stage),
		CorrelationID:  pc.CorrelationID,
		Classification: string(kind),
		RetryAttempt:   attempt,
		Message:        err.Error(),
	}
	if rerr := c.errLog.RecordError(context.Background(), entry); rerr != nil {
		c.log.Warn().Str("stage", string(stage)).Err(rerr).Msg("Failed to record error log entry")
		return ""
	}
	pc.ErrorID = entry.ID.String()
	return entry.ID.String()
}

func (c *Coordinator) emitMetric(pc *ProcessingContext, stage Stage, elapsed time.Duration, success bool) {
	if c.metrics == nil {
		return
	}
	m := &storage.StageMetricEntry{
		DocumentID:     pc.DocumentID,
		Stage:          string(stage),
		ProcessingTime: elapsed,
		Success:        success,
		CorrelationID:  pc.CorrelationID,
	}
	if err := c.metrics.RecordStageMetric(context.Background(), m); err != nil {
		c.log.Warn().Str("stage", string(stage)).Err(err).Msg("Failed to record stage metric")
	}
}

func validateInput(pc *ProcessingContext, input Input) error {
	switch input {
	case InputFilePath:
		if pc.FilePath == "" {
			return fmt.Errorf("missing required input: file_path")
		}
	case InputFileHash:
		if pc.FileHash == "" {
			return fmt.Errorf("missing required input: file_hash")
		}
	case InputPageTexts:
		if len(pc.PageTexts) == 0 {
			return fmt.Errorf("missing required input: page_texts")
		}
	case InputChunks:
		if len(pc.Chunks) == 0 {
			return fmt.Errorf("missing required input: chunks")
		}
	default:
		return fmt.Errorf("unknown required input %q", input)
	}
	return nil
}

// sleepContext sleeps for d unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
