package process

import (
	"errors"
	"fmt"
)

// Sentinel errors for the process package.
var (
	// ErrProcessExited is returned when operating on a discarded handle.
	ErrProcessExited = errors.New("process already exited")

	// ErrNoExecutable is returned when a LaunchConfig has no executable.
	ErrNoExecutable = errors.New("no executable configured")

	// ErrNoProbe is returned by ProbeSysroot when no probe command is configured.
	ErrNoProbe = errors.New("no sysroot probe configured")

	// ErrRespawnExhausted is reported when the respawn policy gives up.
	ErrRespawnExhausted = errors.New("respawn policy exhausted")
)

// SpawnError wraps a failure to create the worker process.
type SpawnError struct {
	Executable string
	Err        error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}
