package terminal

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

var (
	// ErrNotFound means the command did not resolve to an executable.
	ErrNotFound = errors.New("executable not found")
	// ErrPermissionDenied means the OS refused to exec the command.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrResourceExhausted means the OS refused further processes or FDs.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrClosed means the process has exited or the handle was torn down.
	ErrClosed = errors.New("terminal closed")
)

// A daemonized grandchild can keep the PTY slave open after the direct
// child is reaped, which would stall the reader's EOF forever. The master
// is force-closed this long after exit.
const drainGrace = 1 * time.Second

// SpawnOptions describes the child process to start.
type SpawnOptions struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	Cols       uint16
	Rows       uint16
}

// ExitStatus records how the child ended. Exactly one of Code or Signal
// is meaningful, selected by Signaled.
type ExitStatus struct {
	Code     int
	Signal   syscall.Signal
	Signaled bool
}

func (e ExitStatus) String() string {
	if e.Signaled {
		return fmt.Sprintf("signal:%s", e.Signal)
	}
	return fmt.Sprintf("exit:%d", e.Code)
}

// Handle owns one spawned child process and its PTY master.
type Handle struct {
	pid        int
	command    string
	workingDir string
	startedAt  time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.RWMutex
	closed bool
	exit   ExitStatus

	termOnce sync.Once
	done     chan struct{}
}

// Spawn forks a child bound to a fresh PTY pair. Failures are classified
// so callers can match errors.Is against ErrNotFound, ErrPermissionDenied
// and ErrResourceExhausted.
func Spawn(opts SpawnOptions) (*Handle, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrNotFound)
	}

	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = os.Getenv("HOME")
		if workingDir == "" {
			workingDir = "/tmp"
		}
	}
	if info, err := os.Stat(workingDir); err != nil {
		return nil, classifySpawn(fmt.Errorf("working dir: %w", err))
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: working dir %s is not a directory", ErrNotFound, workingDir)
	}

	path, err := exec.LookPath(opts.Command)
	if err != nil {
		return nil, classifySpawn(err)
	}

	cols := opts.Cols
	if cols == 0 {
		cols = 80
	}
	rows := opts.Rows
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(path, opts.Args...)
	cmd.Dir = workingDir
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	for key, value := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, classifySpawn(err)
	}

	h := &Handle{
		pid:        cmd.Process.Pid,
		command:    opts.Command,
		workingDir: workingDir,
		startedAt:  time.Now(),
		cmd:        cmd,
		ptmx:       ptmx,
		done:       make(chan struct{}),
	}

	go h.reap()

	return h, nil
}

// classifySpawn maps OS-level spawn failures onto the error taxonomy.
// Unrecognized errors pass through with context so they are not
// misreported as one of the retryable kinds.
func classifySpawn(err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.ENOEXEC):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.ENOMEM):
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	default:
		return fmt.Errorf("spawn: %w", err)
	}
}

// reap waits for the child, records its exit status and schedules the
// forced PTY close that guarantees readers see EOF.
func (h *Handle) reap() {
	err := h.cmd.Wait()

	status := ExitStatus{}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					status.Signaled = true
					status.Signal = ws.Signal()
				} else {
					status.Code = ws.ExitStatus()
				}
			}
		} else {
			status.Code = -1
		}
	}

	h.mu.Lock()
	h.exit = status
	h.mu.Unlock()
	close(h.done)

	time.AfterFunc(drainGrace, func() { h.Close() })
}

// Read pulls the next chunk of merged stdout/stderr output. It keeps
// returning buffered data after the child exits and reports io.EOF once
// the PTY is fully drained.
func (h *Handle) Read(p []byte) (int, error) {
	n, err := h.ptmx.Read(p)
	if err != nil {
		// Linux reports EIO on the master once the slave side is gone.
		if errors.Is(err, syscall.EIO) || errors.Is(err, fs.ErrClosed) || errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

// Write forwards bytes to the PTY master as if typed at the keyboard.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	select {
	case <-h.done:
		return 0, ErrClosed
	default:
	}

	n, err := h.ptmx.Write(p)
	if err != nil {
		if errors.Is(err, fs.ErrClosed) || errors.Is(err, syscall.EIO) {
			return n, ErrClosed
		}
		return n, err
	}
	return n, nil
}

// Resize changes the PTY dimensions. The child receives SIGWINCH.
func (h *Handle) Resize(cols, rows uint16) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Signal delivers sig to the child's process group. The child is a
// session leader, so the negative PID reaches its descendants too.
func (h *Handle) Signal(sig syscall.Signal) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	return syscall.Kill(-h.pid, sig)
}

// Terminate asks the process group to exit, waits up to grace, then
// force-kills. Safe to call repeatedly and concurrently; calls after
// the child is gone are no-ops.
func (h *Handle) Terminate(grace time.Duration) error {
	select {
	case <-h.done:
		h.Close()
		return nil
	default:
	}

	h.termOnce.Do(func() {
		_ = syscall.Kill(-h.pid, syscall.SIGTERM)
	})

	select {
	case <-h.done:
	case <-time.After(grace):
		_ = syscall.Kill(-h.pid, syscall.SIGKILL)
		<-h.done
	}

	h.Close()
	return nil
}

// Close releases the PTY master. Idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	return h.ptmx.Close()
}

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitStatus reports how the child ended; ok is false while it runs.
func (h *Handle) ExitStatus() (ExitStatus, bool) {
	select {
	case <-h.done:
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.exit, true
	default:
		return ExitStatus{}, false
	}
}

// Running reports whether the child has not yet been reaped.
func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// PID returns the child's process ID.
func (h *Handle) PID() int { return h.pid }

// Command returns the command the handle was spawned with.
func (h *Handle) Command() string { return h.command }

// WorkingDir returns the resolved working directory.
func (h *Handle) WorkingDir() string { return h.workingDir }

// StartedAt returns the spawn time.
func (h *Handle) StartedAt() time.Time { return h.startedAt }
