package process

import (
	"context"
	"os"
	"strings"
)

// StdioFlags selects how the worker's standard streams are wired.
type StdioFlags uint8

const (
	// StdinPipe connects the worker's stdin to a pipe owned by the caller.
	StdinPipe StdioFlags = 1 << iota
	// StdoutPipe connects the worker's stdout to a pipe owned by the caller.
	StdoutPipe
	// StderrSilence discards the worker's stderr.
	StderrSilence
	// StderrPipe forwards the worker's stderr to a writer supplied by the executor.
	StderrPipe
)

// Has returns true if all bits of o are set.
func (f StdioFlags) Has(o StdioFlags) bool {
	return f&o == o
}

// String returns a compact representation such as "stdin|stdout|stderr-silence".
func (f StdioFlags) String() string {
	var parts []string
	if f.Has(StdinPipe) {
		parts = append(parts, "stdin")
	}
	if f.Has(StdoutPipe) {
		parts = append(parts, "stdout")
	}
	if f.Has(StderrSilence) {
		parts = append(parts, "stderr-silence")
	}
	if f.Has(StderrPipe) {
		parts = append(parts, "stderr-pipe")
	}
	if len(parts) == 0 {
		return "inherit"
	}
	return strings.Join(parts, "|")
}

// EnvVar is a single environment override.
type EnvVar struct {
	Key   string
	Value string
}

// LaunchConfig describes how to start one worker instance.
//
// A LaunchConfig is a value: build a new one for every spawn attempt
// instead of mutating a shared instance.
type LaunchConfig struct {
	// Executable is the program name or path.
	Executable string

	// Args are passed after the executable. Usually empty.
	Args []string

	// Dir is the working directory, normally the project root.
	Dir string

	// Env holds ordered overrides applied on top of the inherited environment.
	// A later entry for the same key replaces an earlier one.
	Env []EnvVar

	// RunOnHost requests that the worker run outside the application sandbox.
	RunOnHost bool

	// Stdio selects the stream redirection.
	Stdio StdioFlags
}

// LaunchFactory produces a fresh LaunchConfig for each spawn attempt.
type LaunchFactory func(ctx context.Context) LaunchConfig

// Name returns a short label for logs and metrics.
func (c LaunchConfig) Name() string {
	name := c.Executable
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Setenv returns a copy of c with key set to value.
func (c LaunchConfig) Setenv(key, value string) LaunchConfig {
	env := make([]EnvVar, 0, len(c.Env)+1)
	env = append(env, c.Env...)
	c.Env = append(env, EnvVar{Key: key, Value: value})
	return c
}

// Getenv returns the last override for key, if any.
func (c LaunchConfig) Getenv(key string) (string, bool) {
	for i := len(c.Env) - 1; i >= 0; i-- {
		if c.Env[i].Key == key {
			return c.Env[i].Value, true
		}
	}
	return "", false
}

// Environ merges the overrides onto base (KEY=VALUE entries).
// Keys keep the position of their first appearance.
func (c LaunchConfig) Environ(base []string) []string {
	out := make([]string, 0, len(base)+len(c.Env))
	index := make(map[string]int, len(base)+len(c.Env))

	set := func(key, kv string) {
		if i, ok := index[key]; ok {
			out[i] = kv
			return
		}
		index[key] = len(out)
		out = append(out, kv)
	}

	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		set(key, kv)
	}
	for _, ev := range c.Env {
		if ev.Key == "" {
			continue
		}
		set(ev.Key, ev.Key+"="+ev.Value)
	}
	return out
}

// sandboxInfoPath is the file Flatpak places in every sandbox.
var sandboxInfoPath = "/.flatpak-info"

// InSandbox reports whether the current process runs inside a Flatpak sandbox.
func InSandbox() bool {
	_, err := os.Stat(sandboxInfoPath)
	return err == nil
}

// Argv returns the full command line for the worker.
// When RunOnHost is set inside a sandbox the worker is started through
// flatpak-spawn and the overrides travel as --env arguments.
func (c LaunchConfig) Argv() []string {
	if !c.RunOnHost || !InSandbox() {
		argv := make([]string, 0, len(c.Args)+1)
		argv = append(argv, c.Executable)
		return append(argv, c.Args...)
	}

	argv := []string{"flatpak-spawn", "--host", "--watch-bus"}
	if c.Dir != "" {
		argv = append(argv, "--directory="+c.Dir)
	}
	for _, kv := range c.Environ(nil) {
		argv = append(argv, "--env="+kv)
	}
	argv = append(argv, c.Executable)
	return append(argv, c.Args...)
}
