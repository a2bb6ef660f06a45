// Package pty runs shell processes behind pseudo-terminals.
package pty

import (
	"context"
	"time"
)

const (
	// DefaultReadBufferSize is the buffer size for reading PTY output.
	DefaultReadBufferSize = 4096

	// DefaultShell is used when neither the spawner nor the options name one.
	DefaultShell = "/bin/sh"

	// drainTimeout bounds how long the exit path waits for buffered output
	// after the process is gone. Grandchildren may keep the slave open.
	drainTimeout = 2 * time.Second

	// killGrace is the delay between SIGHUP and SIGKILL on Kill.
	killGrace = 3 * time.Second
)

// Process is one running shell behind a pseudo-terminal.
type Process interface {
	// Write sends bytes to the process stdin verbatim.
	Write(data []byte) error

	// Resize changes the terminal window size.
	Resize(cols, rows uint16) error

	// Kill terminates the process. It is safe to call more than once.
	Kill() error

	// PID returns the OS process id.
	PID() int
}

// Spawner starts processes. The session registry only depends on this
// interface so tests can substitute a scripted process.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Process, error)
}

// SpawnOptions contains options for spawning a PTY process.
type SpawnOptions struct {
	// ID identifies the process in logs and in the Manager.
	ID string

	// Command overrides the shell. Command[0] is the program.
	Command []string

	// Dir is the working directory. "~" is expanded to the home directory.
	Dir string

	// Env is appended to the inherited environment.
	Env []string

	Cols uint16
	Rows uint16

	// OnData receives every chunk of output in emission order. It is never
	// called concurrently and never after OnExit.
	OnData func(data []byte)

	// OnExit is called exactly once when the process has exited and its
	// output has been drained.
	OnExit func(exitCode int, err error)
}
