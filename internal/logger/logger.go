// Package logger builds the process logger: zap cores behind a logr
// interface with a level that can be changed at runtime.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

const (
	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

// Options configures New.
type Options struct {
	// Level is the initial console level.
	Level zapcore.Level

	// Format is FormatConsole or FormatJSON. Empty means console.
	Format string

	// Output receives console logs. Nil means stderr.
	Output io.Writer

	// File, when set, receives a JSON copy of every entry at debug level
	// and above.
	File string
}

// DefaultOptions returns console logging at info level to stderr.
func DefaultOptions() Options {
	return Options{
		Level:  zapcore.InfoLevel,
		Format: FormatConsole,
	}
}

// Logger is a logr.Logger with a mutable level.
type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	zap         *zap.Logger
	file        *os.File
}

// New creates a logger named name.
func New(name string, opts Options) (*Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch opts.Format {
	case "", FormatConsole:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case FormatJSON:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var out zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if opts.Output != nil {
		out = zapcore.AddSync(opts.Output)
	}

	level := zap.NewAtomicLevelAt(opts.Level)
	cores := []zapcore.Core{zapcore.NewCore(encoder, out, level)}

	var file *os.File
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			zapcore.AddSync(f),
			zap.NewAtomicLevelAt(zapcore.DebugLevel),
		))
	}

	zl := zap.New(zapcore.NewTee(cores...)).Named(name)

	return &Logger{
		Logger:      zapr.NewLogger(zl),
		atomicLevel: level,
		zap:         zl,
		file:        file,
	}, nil
}

// SetLevel changes the console level.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// Level returns the console level.
func (l *Logger) Level() zapcore.Level {
	return l.atomicLevel.Level()
}

// Flush writes buffered entries and closes the log file.
func (l *Logger) Flush() error {
	err := l.zap.Sync()
	if isIgnorableSyncError(err) {
		err = nil
	}
	if l.file != nil {
		err = multierr.Append(err, l.file.Close())
		l.file = nil
	}
	return err
}

// stderr and pipes refuse fsync.
func isIgnorableSyncError(err error) bool {
	if err == nil {
		return true
	}
	for _, e := range multierr.Errors(err) {
		if pe, ok := e.(*os.PathError); !ok || pe.Op != "sync" {
			return false
		}
	}
	return true
}
