package terminal

import (
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawnForTest(t *testing.T, opts SpawnOptions) *Handle {
	t.Helper()
	h, err := Spawn(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Terminate(200 * time.Millisecond) })
	return h
}

func waitDone(t *testing.T, h *Handle, timeout time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(timeout):
		t.Fatal("process did not exit in time")
	}
}

// readUntil drains the handle until want appears or timeout elapses.
func readUntil(t *testing.T, h *Handle, want string, timeout time.Duration) string {
	t.Helper()
	done := make(chan string, 1)
	go func() {
		var sb strings.Builder
		buf := make([]byte, 4096)
		for {
			n, err := h.Read(buf)
			if n > 0 {
				sb.Write(buf[:n])
				if strings.Contains(sb.String(), want) {
					done <- sb.String()
					return
				}
			}
			if err != nil {
				done <- sb.String()
				return
			}
		}
	}()

	select {
	case got := <-done:
		require.Contains(t, got, want)
		return got
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %q", want)
		return ""
	}
}

func TestSpawnClassifiesNotFound(t *testing.T) {
	_, err := Spawn(SpawnOptions{Command: "no-such-binary-anywhere-7f3a"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSpawnEmptyCommand(t *testing.T) {
	_, err := Spawn(SpawnOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSpawnClassifiesMissingWorkingDir(t *testing.T) {
	_, err := Spawn(SpawnOptions{
		Command:    "sh",
		WorkingDir: "/no/such/directory/7f3a",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSpawnReadsUntilEOF(t *testing.T) {
	h := spawnForTest(t, SpawnOptions{
		Command: "sh",
		Args:    []string{"-c", "printf 'hello world\\n'"},
	})

	out := readUntil(t, h, "hello world", 5*time.Second)
	assert.Contains(t, out, "hello world")

	waitDone(t, h, 5*time.Second)
	status, ok := h.ExitStatus()
	require.True(t, ok)
	assert.False(t, status.Signaled)
	assert.Equal(t, 0, status.Code)
}

func TestSpawnReportsExitCode(t *testing.T) {
	h := spawnForTest(t, SpawnOptions{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	})

	waitDone(t, h, 5*time.Second)
	status, ok := h.ExitStatus()
	require.True(t, ok)
	assert.False(t, status.Signaled)
	assert.Equal(t, 3, status.Code)
	assert.Equal(t, "exit:3", status.String())
}

func TestWriteRoundTrip(t *testing.T) {
	h := spawnForTest(t, SpawnOptions{Command: "cat"})

	_, err := h.Write([]byte("ping\n"))
	require.NoError(t, err)

	readUntil(t, h, "ping", 5*time.Second)
}

func TestWriteAfterExitReturnsClosed(t *testing.T) {
	h := spawnForTest(t, SpawnOptions{
		Command: "sh",
		Args:    []string{"-c", "exit 0"},
	})
	waitDone(t, h, 5*time.Second)

	_, err := h.Write([]byte("late\n"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTerminateGraceful(t *testing.T) {
	h := spawnForTest(t, SpawnOptions{Command: "cat"})

	require.NoError(t, h.Terminate(2*time.Second))

	status, ok := h.ExitStatus()
	require.True(t, ok)
	assert.True(t, status.Signaled)
	assert.Equal(t, syscall.SIGTERM, status.Signal)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	h := spawnForTest(t, SpawnOptions{
		Command: "sh",
		Args:    []string{"-c", `trap '' TERM; while :; do sleep 1; done`},
	})

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, h.Terminate(200*time.Millisecond))

	status, ok := h.ExitStatus()
	require.True(t, ok)
	assert.True(t, status.Signaled)
	assert.Equal(t, syscall.SIGKILL, status.Signal)
}

func TestTerminateIdempotent(t *testing.T) {
	h := spawnForTest(t, SpawnOptions{Command: "cat"})

	require.NoError(t, h.Terminate(time.Second))
	require.NoError(t, h.Terminate(time.Second))
	require.NoError(t, h.Terminate(time.Second))
}

func TestTerminateConcurrent(t *testing.T) {
	h := spawnForTest(t, SpawnOptions{Command: "cat"})

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errs <- h.Terminate(time.Second) }()
	}
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-errs)
	}

	_, ok := h.ExitStatus()
	assert.True(t, ok)
}

func TestResizeAfterTerminate(t *testing.T) {
	h := spawnForTest(t, SpawnOptions{Command: "cat"})
	require.NoError(t, h.Resize(120, 40))

	require.NoError(t, h.Terminate(time.Second))
	assert.ErrorIs(t, h.Resize(80, 24), ErrClosed)
}

func TestSignalStopAndContinue(t *testing.T) {
	h := spawnForTest(t, SpawnOptions{Command: "cat"})

	require.NoError(t, h.Signal(syscall.SIGSTOP))
	require.NoError(t, h.Signal(syscall.SIGCONT))
	assert.True(t, h.Running())
}

func TestHandleMetadata(t *testing.T) {
	h := spawnForTest(t, SpawnOptions{Command: "cat", WorkingDir: "/tmp"})

	assert.Greater(t, h.PID(), 0)
	assert.Equal(t, "cat", h.Command())
	assert.Equal(t, "/tmp", h.WorkingDir())
	assert.False(t, h.StartedAt().IsZero())
	assert.True(t, h.Running())

	_, ok := h.ExitStatus()
	assert.False(t, ok)
}

func TestClassifySpawnPassthrough(t *testing.T) {
	plain := errors.New("something odd")
	err := classifySpawn(plain)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrPermissionDenied)
	assert.NotErrorIs(t, err, ErrResourceExhausted)
	assert.ErrorIs(t, err, plain)
}
