package process

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Executor creates worker processes.
type Executor interface {
	// Spawn starts the process described by cfg. The process is not tied to
	// ctx; it lives until it exits or is force-killed.
	Spawn(ctx context.Context, cfg LaunchConfig) (*Handle, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, cfg LaunchConfig) (*Handle, error)

// Spawn calls f.
func (f ExecutorFunc) Spawn(ctx context.Context, cfg LaunchConfig) (*Handle, error) {
	return f(ctx, cfg)
}

// OSExecutor starts workers as local OS processes.
type OSExecutor struct {
	// Stderr receives the worker's stderr when StderrPipe is set.
	// Falls back to os.Stderr when nil.
	Stderr io.Writer
}

// waitDelay bounds how long Wait keeps copying stderr after the worker exits.
const waitDelay = time.Second

// Spawn implements Executor.
func (e OSExecutor) Spawn(_ context.Context, cfg LaunchConfig) (*Handle, error) {
	if cfg.Executable == "" {
		return nil, &SpawnError{Err: ErrNoExecutable}
	}

	argv := cfg.Argv()
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // G204: the worker command comes from configuration
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Environ(os.Environ())
	cmd.WaitDelay = waitDelay

	// Pipes are created by hand so that Wait never closes the caller's ends
	// while the client is still reading.
	var parentStdin, parentStdout *os.File
	var childFiles, parentFiles []*os.File
	closeAll := func(files []*os.File) error {
		var err error
		for _, f := range files {
			err = multierr.Append(err, f.Close())
		}
		return err
	}

	if cfg.Stdio.Has(StdinPipe) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, &SpawnError{Executable: argv[0], Err: err}
		}
		cmd.Stdin = r
		parentStdin = w
		childFiles = append(childFiles, r)
		parentFiles = append(parentFiles, w)
	}

	if cfg.Stdio.Has(StdoutPipe) {
		r, w, err := os.Pipe()
		if err != nil {
			_ = closeAll(append(childFiles, parentFiles...))
			return nil, &SpawnError{Executable: argv[0], Err: err}
		}
		cmd.Stdout = w
		parentStdout = r
		childFiles = append(childFiles, w)
		parentFiles = append(parentFiles, r)
	}

	switch {
	case cfg.Stdio.Has(StderrSilence):
		cmd.Stderr = nil
	case cfg.Stdio.Has(StderrPipe) && e.Stderr != nil:
		cmd.Stderr = e.Stderr
	default:
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		_ = closeAll(append(childFiles, parentFiles...))
		return nil, &SpawnError{Executable: argv[0], Err: err}
	}

	// The child holds its own copies now.
	_ = closeAll(childFiles)

	h := newHandle(uuid.NewString(), cfg.Name(), cmd, parentStdin, parentStdout)
	go h.wait()
	return h, nil
}

// LineWriter is an io.Writer that calls fn once per complete line.
// It is used to forward worker stderr into the logger.
type LineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  func(line string)
}

// NewLineWriter returns a LineWriter calling fn for each line.
func NewLineWriter(fn func(line string)) *LineWriter {
	return &LineWriter{fn: fn}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line, keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.fn(line[:len(line)-1])
	}
	return len(p), nil
}
