package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
)

// State represents the lifecycle state of a worker process.
type State int

const (
	// StateRunning indicates the process is running.
	StateRunning State = iota
	// StateExited indicates the process exited on its own.
	StateExited
	// StateSignaled indicates the process was terminated by a signal it was not sent by us.
	StateSignaled
	// StateForceKilled indicates the process was terminated through ForceExit.
	StateForceKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateSignaled:
		return "signaled"
	case StateForceKilled:
		return "force-killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Status is a snapshot of a handle's termination status.
type Status struct {
	State    State
	ExitCode int
}

// String returns "running", "exited(<code>)", "signaled" or "force-killed".
func (s Status) String() string {
	if s.State == StateExited {
		return fmt.Sprintf("exited(%d)", s.ExitCode)
	}
	return s.State.String()
}

// Handle wraps one running worker instance.
//
// The handle owns the caller side of the worker's stdin and stdout pipes.
// Once the process has exited the handle is discarded: ForceExit reports
// ErrProcessExited, and the pipes are released by whoever owns Stream().
//
// Handle is safe for concurrent use.
type Handle struct {
	// ID is a unique identifier for this worker instance.
	ID string

	// Name is a short label, usually the executable's base name.
	Name string

	// Started is when the process was started.
	Started time.Time

	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File

	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32
	forced   atomic.Bool

	mu      sync.RWMutex
	exitErr error
	ended   time.Time

	closeOnce sync.Once
	closeErr  error
}

func newHandle(id, name string, cmd *exec.Cmd, stdin, stdout *os.File) *Handle {
	h := &Handle{
		ID:      id,
		Name:    name,
		Started: time.Now(),
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		done:    make(chan struct{}),
	}
	h.state.Store(int32(StateRunning))
	h.exitCode.Store(-1)
	return h
}

// PID returns the OS process id, or -1 if unknown.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// State returns the current process state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Status returns the termination status.
func (h *Handle) Status() Status {
	return Status{State: h.State(), ExitCode: int(h.exitCode.Load())}
}

// ExitError returns the error reported by Wait, if any.
func (h *Handle) ExitError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitErr
}

// Done returns a channel that is closed when the process exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// HasExited returns true once the process has terminated.
func (h *Handle) HasExited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Runtime returns how long the process ran, or has been running.
func (h *Handle) Runtime() time.Duration {
	h.mu.RLock()
	ended := h.ended
	h.mu.RUnlock()
	if ended.IsZero() {
		return time.Since(h.Started)
	}
	return ended.Sub(h.Started)
}

// ForceExit kills the process with SIGKILL.
// The exit is observed asynchronously through Done.
func (h *Handle) ForceExit() error {
	if h.HasExited() {
		return ErrProcessExited
	}
	if h.cmd == nil || h.cmd.Process == nil {
		return ErrProcessExited
	}

	h.forced.Store(true)
	if err := h.cmd.Process.Signal(syscall.SIGKILL); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessExited
		}
		return fmt.Errorf("kill %s (pid %d): %w", h.Name, h.PID(), err)
	}
	return nil
}

// Stream returns the worker's stdio as one duplex stream: reads come from
// the worker's stdout and writes go to its stdin. Closing the stream
// releases both pipes.
func (h *Handle) Stream() io.ReadWriteCloser {
	return &handleStream{h: h}
}

// Close releases the caller side of the pipes. It does not kill the process.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if h.stdin != nil {
			if err := h.stdin.Close(); err != nil {
				h.closeErr = multierr.Append(h.closeErr, fmt.Errorf("close stdin: %w", err))
			}
		}
		if h.stdout != nil {
			if err := h.stdout.Close(); err != nil {
				h.closeErr = multierr.Append(h.closeErr, fmt.Errorf("close stdout: %w", err))
			}
		}
	})
	return h.closeErr
}

// wait blocks on the process and records its termination status.
func (h *Handle) wait() {
	err := h.cmd.Wait()

	exitCode := 0
	state := StateExited

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				state = StateSignaled
			}
		} else {
			exitCode = -1
		}
	}
	if h.forced.Load() {
		state = StateForceKilled
	}

	h.mu.Lock()
	h.exitErr = err
	h.ended = time.Now()
	h.mu.Unlock()

	h.exitCode.Store(int32(exitCode))
	h.state.Store(int32(state))
	close(h.done)
}

type handleStream struct {
	h *Handle
}

func (s *handleStream) Read(p []byte) (int, error) {
	if s.h.stdout == nil {
		return 0, io.EOF
	}
	return s.h.stdout.Read(p)
}

func (s *handleStream) Write(p []byte) (int, error) {
	if s.h.stdin == nil {
		return 0, io.ErrClosedPipe
	}
	return s.h.stdin.Write(p)
}

func (s *handleStream) Close() error {
	return s.h.Close()
}
