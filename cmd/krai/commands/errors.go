package commands

import (
	"errors"
	"fmt"
)

// errProcessingFailed is returned after a run whose per-stage details were
// already printed; it only carries the exit code.
var errProcessingFailed = errors.New("processing failed")

// exitError pins a process exit code onto an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// userError marks a mistake on the caller's side: bad flags, missing files,
// unknown stages. Exits 1.
func userError(format string, args ...interface{}) error {
	return &exitError{code: 1, err: fmt.Errorf(format, args...)}
}

// engineFailure marks a failure inside the engine or the pipeline. Exits 2.
func engineFailure(err error) error {
	return &exitError{code: 2, err: err}
}

// ExitCode maps the Execute error to the process exit code. Unclassified
// errors, cobra's own flag-parse errors included, count as user errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
