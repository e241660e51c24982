package runner

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidConfig = errors.New("invalid runner configuration")
	ErrInvalidTarget = errors.New("invalid target")
	ErrClosed        = errors.New("runner is shut down")
)

// RunError wraps errors with run context.
type RunError struct {
	RunID string
	Op    string // The operation that failed
	Err   error
}

func (e *RunError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("run %s: %s: %s", e.RunID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// IsInvalidConfig returns true if the error is a configuration problem.
func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
