// Package terminal owns the process side of a session: spawning a child
// bound to a PTY, streaming its merged output, and demultiplexing raw
// bytes into classified line events.
//
// Features:
//   - PTY-backed spawning with full terminal semantics
//   - Spawn failure taxonomy (not found, permission denied, resource exhausted)
//   - Graceful termination with escalation (SIGTERM, then SIGKILL)
//   - ANSI-aware line scanning that never splits an escape sequence
//   - Carriage-return progress frames emitted as individual events
//   - Bounded per-session event ring (line and byte capped, lossy)
//
// Architecture:
//   - Handle wraps one child process and its PTY master
//   - Scanner converts raw chunks into clean, escape-free lines
//   - Buffer turns lines into OutputEvents and retains a recent window
//   - Reads keep draining after exit until the PTY reports EOF
//
// Example Usage:
//
//	h, err := terminal.Spawn(terminal.SpawnOptions{
//		Command:    "claude",
//		WorkingDir: "/home/user/project",
//	})
//	if err != nil {
//		// errors.Is(err, terminal.ErrNotFound) etc.
//	}
//
//	buf := terminal.NewBuffer(sessionID, 10000, 2<<20, nil)
//	chunk := make([]byte, 4096)
//	for {
//		n, err := h.Read(chunk)
//		if n > 0 {
//			events := buf.Ingest(chunk[:n])
//			// fan events out to subscribers
//		}
//		if err != nil {
//			break // io.EOF once the process is gone and the PTY drained
//		}
//	}
package terminal
