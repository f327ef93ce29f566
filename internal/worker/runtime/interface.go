// Package runtime runs external commands as supervised OS processes.
package runtime

import (
	"context"
	"io"
)

// Runtime defines the interface for launching processes.
type Runtime interface {
	// Start launches a process and returns a handle to it.
	// The process outlives ctx; use Handle.Stop to end it.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a process.
type StartOptions struct {
	// Name identifies the run. It names the run directory under the runtime's
	// work dir, where output is captured.
	Name    string
	Command []string
	Env     map[string]string
	// Dir is the working directory. Defaults to the run directory.
	Dir   string
	Stdin io.Reader
}

// ExitResult describes how a process ended.
type ExitResult struct {
	ExitCode int
	// Error is set when the process could not be waited on or was killed by a signal.
	Error error
}

// Handle represents a running process.
type Handle interface {
	// Wait blocks until the process exits or ctx is done.
	// A done ctx yields ExitCode -1 and ctx.Err(); the process keeps running.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop asks the process group to terminate and escalates to a kill
	// once ctx is done. It returns after the process has exited.
	Stop(ctx context.Context) error

	// StreamLogs follows the combined stdout/stderr until the process exits or ctx is done.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)

	// PID returns the operating system process id.
	PID() int

	// LogPath returns the file the output is captured in.
	LogPath() string
}
