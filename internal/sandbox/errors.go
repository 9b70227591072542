package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidRequest       = errors.New("invalid execution request")
	ErrUnsupportedIsolation = errors.New("unsupported isolation kind")
	ErrBackendUnavailable   = errors.New("no isolation backend available")
	ErrClosed               = errors.New("backend is shut down")
)

// ExecutionError ties a failure to the execution and the setup step
// that produced it. Op values are stable labels (pull_image,
// create_container, acquire_slot) reused by the error metrics.
type ExecutionError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsInvalidRequest returns true if the error is a request validation failure.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// OpOf returns the operation recorded in an ExecutionError anywhere in
// the chain, or "" when there is none.
func OpOf(err error) string {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Op
	}
	return ""
}
