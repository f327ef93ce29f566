package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	logFileName  = "output.log"
	followPoll   = 100 * time.Millisecond
	killWaitTime = 5 * time.Second
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// ExecRuntime implements the Runtime interface using raw OS processes.
// Every process runs in its own process group so that Stop reaches its children.
type ExecRuntime struct {
	WorkDir string
}

// NewExecRuntime creates a new process-based runtime.
// Run directories are created under workDir, or a temp directory when empty.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "extractplane", "runner")
	}
	return &ExecRuntime{WorkDir: workDir}
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = opts.Env["EXTRACT_JOB_ID"]
	}
	if name == "" {
		name = uuid.NewString()
	}
	runDir := filepath.Join(e.WorkDir, unsafeName.ReplaceAllString(name, "_"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	logPath := filepath.Join(runDir, logFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = runDir
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = opts.Stdin
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command[0], err)
	}

	slog.Debug("process started", "name", name, "pid", cmd.Process.Pid, "command", opts.Command[0])

	h := &ExecHandle{
		cmd:     cmd,
		logPath: logPath,
		done:    make(chan struct{}),
	}
	go h.reap(logFile)
	return h, nil
}

// ExecHandle is a process started by ExecRuntime.
type ExecHandle struct {
	cmd     *exec.Cmd
	logPath string

	done     chan struct{}
	result   ExitResult
	stopOnce sync.Once
}

func (h *ExecHandle) reap(logFile *os.File) {
	err := h.cmd.Wait()
	logFile.Close()

	switch {
	case err == nil:
		h.result = ExitResult{ExitCode: 0}
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.result = ExitResult{ExitCode: exitErr.ExitCode()}
			if exitErr.ExitCode() < 0 {
				// killed by a signal
				h.result.Error = exitErr
			}
		} else {
			h.result = ExitResult{ExitCode: -1, Error: err}
		}
	}
	close(h.done)
}

// Wait implements Handle.Wait.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop implements Handle.Stop: SIGTERM to the group, SIGKILL once ctx is done.
func (h *ExecHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	var err error
	h.stopOnce.Do(func() {
		err = terminateGroup(h.cmd.Process.Pid)
	})
	if err != nil {
		return fmt.Errorf("failed to terminate process %d: %w", h.cmd.Process.Pid, err)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	}

	if err := killGroup(h.cmd.Process.Pid); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", h.cmd.Process.Pid, err)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(killWaitTime):
		return fmt.Errorf("process %d did not exit after kill", h.cmd.Process.Pid)
	}
}

// StreamLogs implements Handle.StreamLogs.
func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(h.logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &followReader{ctx: ctx, file: f, done: h.done}, nil
}

// PID implements Handle.PID.
func (h *ExecHandle) PID() int {
	return h.cmd.Process.Pid
}

// LogPath implements Handle.LogPath.
func (h *ExecHandle) LogPath() string {
	return h.logPath
}

// Exited is closed once the process has been reaped.
func (h *ExecHandle) Exited() <-chan struct{} {
	return h.done
}

// followReader reads a growing file like tail -f and ends once the writer is gone.
type followReader struct {
	ctx  context.Context
	file *os.File
	done <-chan struct{}
}

func (r *followReader) Read(p []byte) (int, error) {
	for {
		n, err := r.file.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}

		select {
		case <-r.done:
			// drain whatever was written before exit
			n, err := r.file.Read(p)
			if n > 0 {
				return n, nil
			}
			if err == nil {
				err = io.EOF
			}
			return 0, err
		case <-r.ctx.Done():
			return 0, io.EOF
		case <-time.After(followPoll):
		}
	}
}

func (r *followReader) Close() error {
	return r.file.Close()
}

// TerminateGroup ends a process group this process did not start, such as one
// left behind by a previous instance. It sends SIGTERM, waits for the leader to
// exit, and sends SIGKILL once ctx is done.
func TerminateGroup(ctx context.Context, pid int) error {
	if !ProcessAlive(pid) {
		return nil
	}
	if err := terminateGroup(pid); err != nil {
		return err
	}

	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !ProcessAlive(pid) {
				return nil
			}
		case <-ctx.Done():
			return killGroup(pid)
		}
	}
}
