// Package testutil provides shared helpers for the scenario tests
// under tests/.
package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/switchboard-sh/switchboard/internal/client"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

// FreeAddr reserves a loopback port and returns it as host:port. The
// listener is closed before returning, so the caller can bind it.
func FreeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// DaemonConfig returns a config with timing windows shrunk far enough
// that attention transitions happen within test patience, backed by a
// temporary data directory.
func DaemonConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Addr = FreeAddr(t)
	cfg.Server.DataDir = t.TempDir()

	cfg.Pool.Capacity = 16
	cfg.Pool.DestroyGrace = time.Second
	cfg.Pool.EvalInterval = 25 * time.Millisecond

	cfg.Attention.IdleThreshold = 300 * time.Millisecond
	cfg.Attention.SettleWindow = 80 * time.Millisecond
	cfg.Attention.ErrorGrace = 150 * time.Millisecond
	cfg.Attention.AckDebounce = 100 * time.Millisecond

	cfg.Resources.SampleInterval = 100 * time.Millisecond
	cfg.Resources.MemoryCapBytes = 0
	cfg.Resources.BurstBytesRate = 0

	cfg.Rules.WatchReload = false
	cfg.Transcript.Enabled = true
	cfg.History.Enabled = true

	// Polling clients would trip the default limiter.
	cfg.RateLimit.Enabled = false
	cfg.Logging.Level = "error"

	require.NoError(t, cfg.Validate())
	return cfg
}

// WaitHealthy blocks until the daemon at cl answers health checks.
func WaitHealthy(t *testing.T, cl *client.Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := cl.Health(context.Background())
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "daemon never became healthy")
}

// EventCollector accumulates attention events from a watcher goroutine.
type EventCollector struct {
	mu     sync.Mutex
	events []types.AttentionEvent
}

// Collect is the callback to hand to WatchAttention.
func (c *EventCollector) Collect(ev types.AttentionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// Snapshot returns a copy of everything collected so far.
func (c *EventCollector) Snapshot() []types.AttentionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.AttentionEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Seen reports whether an event of the given type arrived for the
// session.
func (c *EventCollector) Seen(sessionID string, event types.AttentionEventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.SessionID == sessionID && ev.Event == event {
			return true
		}
	}
	return false
}

// Count returns how many events of the given type arrived for the
// session.
func (c *EventCollector) Count(sessionID string, event types.AttentionEventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.SessionID == sessionID && ev.Event == event {
			n++
		}
	}
	return n
}
