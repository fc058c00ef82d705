package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a stage failure by its propagation policy.
type ErrorKind string

const (
	// KindTransient errors are retried under the hybrid policy: network
	// timeouts, model-server resource limits, lock contention.
	KindTransient ErrorKind = "transient"
	// KindPermanent errors are not retried: missing inputs, validation
	// failures, contract violations.
	KindPermanent ErrorKind = "permanent"
	// KindFatal errors abort the whole pipeline: database unavailable,
	// configuration missing.
	KindFatal ErrorKind = "fatal"
	// KindCancelled marks a run cut short by caller cancellation.
	KindCancelled ErrorKind = "cancelled"
)

// StageError carries the classification alongside the underlying cause.
// Errors constructed outside the pipeline default to permanent; call sites
// that know a failure is retryable say so explicitly.
type StageError struct {
	Kind  ErrorKind
	Stage Stage
	Op    string
	Err   error
}

func (e *StageError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable stage error.
func Transient(stage Stage, op string, err error) *StageError {
	return &StageError{Kind: KindTransient, Stage: stage, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable stage error.
func Permanent(stage Stage, op string, err error) *StageError {
	return &StageError{Kind: KindPermanent, Stage: stage, Op: op, Err: err}
}

// Fatal wraps err as a pipeline-aborting error.
func Fatal(stage Stage, op string, err error) *StageError {
	return &StageError{Kind: KindFatal, Stage: stage, Op: op, Err: err}
}

// Classify resolves the error kind for an arbitrary error. Explicit
// StageError kinds win; context cancellation maps to cancelled; network
// timeouts map to transient; everything else is permanent.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindPermanent
}
