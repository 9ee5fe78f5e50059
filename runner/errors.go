package runner

import "errors"

var (
	// ErrPending is returned by a handler whose implementation is not written yet.
	ErrPending = errors.New("step is pending")

	// ErrSkipped is returned by a handler that decides at runtime not to run.
	ErrSkipped = errors.New("step skipped")
)
