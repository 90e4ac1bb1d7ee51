package project

import (
	"errors"
	"fmt"
)

// Standard errors returned by the project package.
var (
	// ErrRootNotFound indicates no ancestor contains the descriptor.
	ErrRootNotFound = errors.New("project root not found")

	// ErrNotFound indicates the start path does not exist.
	ErrNotFound = errors.New("not found")
)

// PathError represents an error associated with a file path.
type PathError struct {
	Op   string // Operation that failed (find, stat)
	Path string // File path
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError creates a new PathError.
func NewPathError(op, path string, err error) *PathError {
	return &PathError{Op: op, Path: path, Err: err}
}

// IsRootNotFound returns true if the error indicates no project root exists.
func IsRootNotFound(err error) bool {
	return errors.Is(err, ErrRootNotFound)
}
