// Package watcher detects changes to a project descriptor file.
//
// The descriptor (meson.build, Cargo.toml, ...) defines how the language
// server sees the project. When it changes the server must be restarted.
// Editors save files in bursts and often replace them through a rename, so
// the watcher observes the parent directory, filters on the file name and
// rate limits the raw events into logical changes.
package watcher

import (
	"errors"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Common errors returned by watcher operations.
var (
	ErrPathNotExist = errors.New("path does not exist")
	ErrNotAFile     = errors.New("path is a directory")
)

// Op represents the type of file system operation.
type Op uint32

const (
	// OpCreate indicates the file was created.
	OpCreate Op = 1 << iota
	// OpWrite indicates the file was written to.
	OpWrite
	// OpRemove indicates the file was removed.
	OpRemove
	// OpRename indicates the file was renamed away.
	OpRename
	// OpChmod indicates file permissions were changed.
	OpChmod
)

// String returns a human-readable representation such as "CREATE|WRITE".
func (op Op) String() string {
	var parts []string
	for _, o := range []struct {
		op   Op
		name string
	}{
		{OpCreate, "CREATE"},
		{OpWrite, "WRITE"},
		{OpRemove, "REMOVE"},
		{OpRename, "RENAME"},
		{OpChmod, "CHMOD"},
	} {
		if op.Has(o.op) {
			parts = append(parts, o.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}

// Has returns true if the operation includes the given op.
func (op Op) Has(o Op) bool {
	return op&o == o
}

// Event is one logical change of the watched file.
type Event struct {
	// Path is the absolute path of the watched file.
	Path string

	// Op merges every operation seen during the rate limit window.
	Op Op

	// Timestamp is when the first raw event of the window arrived.
	Timestamp time.Time

	// Raw is the number of raw events merged into this one.
	Raw int
}

// Stats provides watcher status information.
type Stats struct {
	// RawEvents is the number of raw events matching the watched file.
	RawEvents int64

	// Changes is the number of logical changes delivered.
	Changes int64

	// Errors is the total number of errors reported by the backend.
	Errors int64

	// LastError is the most recent error, if any.
	LastError error
}

// convertOp converts fsnotify.Op to watcher.Op.
func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if fsOp.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}
