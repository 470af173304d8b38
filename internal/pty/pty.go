// Package pty provides the process-spawning capability behind sessions: a
// pseudo-terminal attached to a child process that can be read, written,
// resized and killed.
package pty

import (
	"context"
	"io"
)

// Process is a running PTY-backed child process.
type Process interface {
	// Read reads output produced by the process. It returns an error once
	// the process is gone and all output has been drained.
	io.Reader

	// Write writes input to the process.
	io.Writer

	// Resize changes the terminal window size.
	Resize(cols, rows uint16) error

	// Kill terminates the process and its process group. It is idempotent.
	Kill() error

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// ExitCode returns the exit code once Done is closed, -1 if the process
	// was killed by a signal.
	ExitCode() int

	// PID returns the operating-system process id.
	PID() int
}

// SpawnOptions contains options for spawning a process.
type SpawnOptions struct {
	// Dir is the working directory.
	Dir string

	// Command is the executable to run.
	Command string

	// Args are the arguments to pass to the command.
	Args []string

	// Env is appended to the current process environment.
	Env []string

	// Cols and Rows are the initial window size. Zero means 80x24.
	Cols uint16
	Rows uint16
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Process, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, opts SpawnOptions) (Process, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	return f(ctx, opts)
}

const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

func (o SpawnOptions) size() (cols, rows uint16) {
	cols, rows = o.Cols, o.Rows
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	return cols, rows
}
