package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-sh/switchboard/internal/history"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/resilience"
	"github.com/switchboard-sh/switchboard/internal/shared/id"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
	"github.com/switchboard-sh/switchboard/internal/terminal"
)

// testConfig shrinks every timer so state transitions land within a
// few ticks instead of seconds.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pool.Capacity = 4
	cfg.Pool.DestroyGrace = 500 * time.Millisecond
	cfg.Pool.EvalInterval = 10 * time.Millisecond
	cfg.Attention.IdleThreshold = 150 * time.Millisecond
	cfg.Attention.SettleWindow = 40 * time.Millisecond
	cfg.Attention.ErrorGrace = 60 * time.Millisecond
	cfg.Attention.AckDebounce = 100 * time.Millisecond
	cfg.Resources.SampleInterval = 25 * time.Millisecond
	cfg.Resources.MemoryCapBytes = 0
	cfg.Resources.BurstBytesRate = 0
	cfg.Rules.WatchReload = false
	cfg.History.Enabled = false
	return cfg
}

// stubSampler reports a fixed resident memory per pid so memory
// pressure can be staged without real allocations.
type stubSampler struct {
	mu  sync.Mutex
	rss map[int]uint64
}

func (s *stubSampler) Sample(pid int) (float64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rss[pid]; ok {
		return 0, r, nil
	}
	return 0, 8 << 20, nil
}

func newTestManager(t *testing.T, cfg *config.Config, mutate ...func(*Options)) *Manager {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	opts := Options{Config: cfg, Sampler: &stubSampler{}}
	for _, fn := range mutate {
		fn(&opts)
	}
	m := NewManager(opts)
	m.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func createShell(t *testing.T, m *Manager, script string) types.SessionSummary {
	t.Helper()
	sum, err := m.Create(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", script},
	})
	require.NoError(t, err)
	return sum
}

func waitState(t *testing.T, m *Manager, sessionID string, want types.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		sum, err := m.Get(sessionID)
		return err == nil && sum.State == want
	}, 5*time.Second, 10*time.Millisecond, "session never reached %s", want)
}

func waitGone(t *testing.T, m *Manager, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := m.Get(sessionID)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond, "session never left the pool")
}

// outputText joins the retained lines of a session; a vanished session
// reads as empty.
func outputText(m *Manager, sessionID string) string {
	events, err := m.Output(sessionID, 0, 0)
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString(ev.Line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func waitOutput(t *testing.T, m *Manager, sessionID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(outputText(m, sessionID), want)
	}, 5*time.Second, 10*time.Millisecond, "output never contained %q", want)
}

// collect drains events for a session until want arrives, then keeps
// draining through a quiet window so trailing duplicates would show up.
func collect(t *testing.T, ch <-chan types.AttentionEvent, sessionID string, want types.AttentionEventType) []types.AttentionEvent {
	t.Helper()
	var got []types.AttentionEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.SessionID != sessionID {
				continue
			}
			got = append(got, ev)
			if ev.Event == want {
				quiet := time.After(300 * time.Millisecond)
				for {
					select {
					case ev := <-ch:
						if ev.SessionID == sessionID {
							got = append(got, ev)
						}
					case <-quiet:
						return got
					}
				}
			}
		case <-deadline:
			t.Fatalf("never saw %s for %s, got %v", want, sessionID, got)
		}
	}
}

func countEvents(events []types.AttentionEvent, kind types.AttentionEventType) int {
	n := 0
	for _, ev := range events {
		if ev.Event == kind {
			n++
		}
	}
	return n
}

func TestCreateListsAndStreamsOutput(t *testing.T) {
	m := newTestManager(t, nil)

	sum := createShell(t, m, `printf 'hello\nworld\n'; sleep 60`)
	assert.True(t, id.IsSessionID(sum.ID))
	assert.Equal(t, "sh", sum.Command)
	assert.Greater(t, sum.PID, 0)
	assert.False(t, sum.CreatedAt.IsZero())

	got, err := m.Get(sum.ID)
	require.NoError(t, err)
	assert.Equal(t, sum.ID, got.ID)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, sum.ID, list[0].ID)

	waitOutput(t, m, sum.ID, "hello")
	waitOutput(t, m, sum.ID, "world")

	// The spawn note is the first retained line.
	events, err := m.Output(sum.ID, 0, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.LineSystemNote, events[0].Kind)
	assert.Contains(t, events[0].Line, "spawned sh")
}

func TestOutputResumesFromCursor(t *testing.T) {
	m := newTestManager(t, nil)
	sum := createShell(t, m, `printf 'one\ntwo\nthree\n'; sleep 60`)
	waitOutput(t, m, sum.ID, "three")

	all, err := m.Output(sum.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, all)

	mid := all[len(all)-2].Seq
	rest, err := m.Output(sum.ID, mid, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, all[len(all)-1].Seq, rest[0].Seq)

	none, err := m.Output(sum.ID, all[len(all)-1].Seq, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSendInputRoundTrip(t *testing.T) {
	m := newTestManager(t, nil)
	sum := createShell(t, m, `read line; printf 'got:%s\n' "$line"; sleep 60`)

	require.NoError(t, m.SendInput(context.Background(), sum.ID, []byte("hello\n")))
	waitOutput(t, m, sum.ID, "got:hello")

	// The PTY echo of typed input is tagged as the operator's line.
	events, err := m.Output(sum.ID, 0, 0)
	require.NoError(t, err)
	var echoed bool
	for _, ev := range events {
		if ev.Line == "hello" && ev.Kind == types.LineCommand {
			echoed = true
		}
	}
	assert.True(t, echoed, "echoed input was not classified as a command line")
}

func TestSendInputUnknownSession(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.SendInput(context.Background(), "sess_missing", []byte("x\n"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPromptRaisesAndInputClears(t *testing.T) {
	m := newTestManager(t, nil)
	ch, cancel := m.Subscribe()
	defer cancel()

	sum := createShell(t, m, `printf 'Continue? (y/n): '; read x; printf 'done\n'; sleep 60`)
	waitState(t, m, sum.ID, types.StateWaitingForInput)

	pending := m.Attention()
	require.Len(t, pending, 1)
	assert.Equal(t, sum.ID, pending[0].SessionID)
	assert.Equal(t, types.CategoryChoicePrompt, pending[0].Category)
	assert.InDelta(t, 60, pending[0].Priority, 0.01)

	got, err := m.Get(sum.ID)
	require.NoError(t, err)
	assert.True(t, got.Attention)

	raised := collect(t, ch, sum.ID, types.EventRaised)
	assert.Equal(t, 1, countEvents(raised, types.EventRaised))

	require.NoError(t, m.SendInput(context.Background(), sum.ID, []byte("y\n")))
	waitOutput(t, m, sum.ID, "done")

	require.Eventually(t, func() bool {
		return len(m.Attention()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cleared := collect(t, ch, sum.ID, types.EventCleared)
	assert.Equal(t, 1, countEvents(cleared, types.EventCleared))
}

func TestAcknowledgeSilencesWithoutResuming(t *testing.T) {
	m := newTestManager(t, nil)
	sum := createShell(t, m, `printf 'Continue? (y/n): '; read x`)
	waitState(t, m, sum.ID, types.StateWaitingForInput)
	require.Len(t, m.Attention(), 1)

	require.NoError(t, m.Acknowledge(sum.ID))
	assert.Empty(t, m.Attention())

	// The prompt is still on screen, so the session stays waiting but
	// must not renag.
	time.Sleep(300 * time.Millisecond)
	got, err := m.Get(sum.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateWaitingForInput, got.State)
	assert.Empty(t, m.Attention())
}

func TestErrorStateRejectsInput(t *testing.T) {
	m := newTestManager(t, nil)
	sum := createShell(t, m, `printf 'error: build failed\n'; sleep 60`)
	waitState(t, m, sum.ID, types.StateError)

	pending := m.Attention()
	require.Len(t, pending, 1)
	assert.Equal(t, types.CategoryErrorHalt, pending[0].Category)

	err := m.SendInput(context.Background(), sum.ID, []byte("anyone there?\n"))
	assert.ErrorIs(t, err, ErrNotAcceptingInput)
}

func TestDestroyEmitsSingleTerminatedEvent(t *testing.T) {
	m := newTestManager(t, nil)
	ch, cancel := m.Subscribe()
	defer cancel()

	sum := createShell(t, m, `sleep 60`)
	require.NoError(t, m.Destroy(context.Background(), sum.ID, 300*time.Millisecond))

	_, err := m.Get(sum.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	events := collect(t, ch, sum.ID, types.EventTerminated)
	assert.Equal(t, 1, countEvents(events, types.EventTerminated))
}

func TestDestroyWhileWaitingClearsAttention(t *testing.T) {
	m := newTestManager(t, nil)
	ch, cancel := m.Subscribe()
	defer cancel()

	sum := createShell(t, m, `printf 'Continue? (y/n): '; read x`)
	waitState(t, m, sum.ID, types.StateWaitingForInput)
	require.Len(t, m.Attention(), 1)

	require.NoError(t, m.Destroy(context.Background(), sum.ID, 300*time.Millisecond))
	assert.Empty(t, m.Attention())

	events := collect(t, ch, sum.ID, types.EventTerminated)
	assert.Equal(t, 1, countEvents(events, types.EventTerminated))
	assert.GreaterOrEqual(t, countEvents(events, types.EventCleared), 1)
}

func TestDestroyUnknownSession(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.Destroy(context.Background(), "sess_missing", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNaturalExitRecordsHistory(t *testing.T) {
	cfg := testConfig()
	cfg.History.Enabled = true
	journal, err := history.Open(cfg.History, t.TempDir(), nil)
	require.NoError(t, err)

	m := newTestManager(t, cfg, func(o *Options) { o.Journal = journal })
	ch, cancel := m.Subscribe()
	defer cancel()

	sum := createShell(t, m, `exit 3`)
	events := collect(t, ch, sum.ID, types.EventTerminated)
	assert.Equal(t, 1, countEvents(events, types.EventTerminated))
	waitGone(t, m, sum.ID)

	records, err := m.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, sum.ID, records[0].ID)
	assert.Equal(t, 3, records[0].ExitCode)
	assert.Equal(t, types.EndExited, records[0].EndReason)
	assert.Equal(t, "sh", records[0].Command)
}

func TestCapacityEvictsIdleVictim(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.Capacity = 2
	m := newTestManager(t, cfg)

	a := createShell(t, m, `sleep 60`)
	b := createShell(t, m, `sleep 60`)
	waitState(t, m, a.ID, types.StateIdle)
	waitState(t, m, b.ID, types.StateIdle)

	ch, cancel := m.Subscribe()
	defer cancel()

	c := createShell(t, m, `sleep 60`)

	_, err := m.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound, "least recently attended session should be evicted")
	_, err = m.Get(b.ID)
	assert.NoError(t, err)

	ids := make([]string, 0, 2)
	for _, s := range m.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{b.ID, c.ID}, ids)

	events := collect(t, ch, a.ID, types.EventTerminated)
	assert.Equal(t, 1, countEvents(events, types.EventEvictWarning))
	assert.Equal(t, 1, countEvents(events, types.EventTerminated))
	assert.Equal(t, types.EventEvictWarning, events[0].Event, "warning must precede the kill")
}

func TestCapacityNeverEvictsWaitingSession(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.Capacity = 1
	m := newTestManager(t, cfg)

	a := createShell(t, m, `printf 'Continue? (y/n): '; read x`)
	waitState(t, m, a.ID, types.StateWaitingForInput)

	_, err := m.Create(context.Background(), Spec{Command: "sh", Args: []string{"-c", "sleep 60"}})
	assert.ErrorIs(t, err, ErrFull)

	_, err = m.Get(a.ID)
	assert.NoError(t, err, "waiting session must survive capacity pressure")
}

func TestSendInputProtectsFromEviction(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.Capacity = 2
	m := newTestManager(t, cfg)

	a := createShell(t, m, `read x; sleep 60`)
	b := createShell(t, m, `sleep 60`)
	waitState(t, m, a.ID, types.StateIdle)
	waitState(t, m, b.ID, types.StateIdle)

	// Touching the older session makes the younger one the LRU victim.
	require.NoError(t, m.SendInput(context.Background(), a.ID, []byte("\n")))
	waitState(t, m, a.ID, types.StateIdle)

	createShell(t, m, `sleep 60`)
	_, err := m.Get(a.ID)
	assert.NoError(t, err)
	_, err = m.Get(b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPressureWarnsThenEvicts(t *testing.T) {
	cfg := testConfig()
	cfg.History.Enabled = true
	cfg.Resources.MemoryCapBytes = 1 << 20
	cfg.Resources.SampleInterval = 50 * time.Millisecond

	journal, err := history.Open(cfg.History, t.TempDir(), nil)
	require.NoError(t, err)
	m := newTestManager(t, cfg, func(o *Options) { o.Journal = journal })

	ch, cancel := m.Subscribe()
	defer cancel()

	sum := createShell(t, m, `sleep 60`)
	waitState(t, m, sum.ID, types.StateIdle)

	// The stub sampler reports 8 MiB against a 1 MiB cap, so the monitor
	// warns on one pass and kills on the next.
	events := collect(t, ch, sum.ID, types.EventTerminated)
	require.GreaterOrEqual(t, countEvents(events, types.EventEvictWarning), 1)
	assert.Equal(t, 1, countEvents(events, types.EventTerminated))
	warnAt := -1
	for i, ev := range events {
		if ev.Event == types.EventEvictWarning {
			warnAt = i
			break
		}
	}
	ends := -1
	for i, ev := range events {
		if ev.Event == types.EventTerminated {
			ends = i
		}
	}
	assert.Less(t, warnAt, ends, "warning must precede termination")

	waitGone(t, m, sum.ID)
	records, err := m.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.EndEvicted, records[0].EndReason)
}

func TestSpawnBreakerTripsOnResourceExhaustion(t *testing.T) {
	m := newTestManager(t, nil)
	m.spawn = func(terminal.SpawnOptions) (*terminal.Handle, error) {
		return nil, fmt.Errorf("spawn: %w", terminal.ErrResourceExhausted)
	}

	for i := 0; i < 3; i++ {
		_, err := m.Create(context.Background(), Spec{Command: "sh"})
		require.ErrorIs(t, err, terminal.ErrResourceExhausted)
		require.NotErrorIs(t, err, resilience.ErrCircuitOpen)
	}

	_, err := m.Create(context.Background(), Spec{Command: "sh"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen, "fourth create should fail fast")
}

func TestSpawnErrorsOfBadCommandsDoNotTrip(t *testing.T) {
	m := newTestManager(t, nil)

	for i := 0; i < 5; i++ {
		_, err := m.Create(context.Background(), Spec{Command: "no-such-binary-anywhere-7f3a"})
		require.ErrorIs(t, err, terminal.ErrNotFound)
	}

	// A user's typo is not infrastructure failure; creates keep working.
	sum := createShell(t, m, `sleep 60`)
	_, err := m.Get(sum.ID)
	assert.NoError(t, err)
}

func TestSubscribeDropsWhenSlow(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.SubscriberQueue = 1
	m := newTestManager(t, cfg)

	ch, cancel := m.Subscribe()
	defer cancel()

	// Three teardowns publish three events at an unread subscriber;
	// only the buffered one survives.
	for i := 0; i < 3; i++ {
		sum := createShell(t, m, `sleep 60`)
		require.NoError(t, m.Destroy(context.Background(), sum.ID, 300*time.Millisecond))
	}

	assert.Equal(t, 1, len(ch))
	ev := <-ch
	assert.Equal(t, types.EventTerminated, ev.Event)
}

func TestSubscribeCancelIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	_, cancel := m.Subscribe()
	cancel()
	cancel()

	assert.Equal(t, 0, m.Stats().Subscribers)
}

func TestResize(t *testing.T) {
	m := newTestManager(t, nil)
	sum := createShell(t, m, `sleep 60`)

	require.NoError(t, m.Resize(sum.ID, 120, 40))
	assert.ErrorIs(t, m.Resize("sess_missing", 80, 24), ErrNotFound)
}

func TestStats(t *testing.T) {
	m := newTestManager(t, nil)
	assert.Equal(t, 0, m.Stats().Sessions)

	createShell(t, m, `sleep 60`)
	sum := createShell(t, m, `printf 'Continue? (y/n): '; read x`)
	waitState(t, m, sum.ID, types.StateWaitingForInput)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 4, stats.Capacity)
	assert.Equal(t, 1, stats.Pending)

	_, cancel := m.Subscribe()
	defer cancel()
	assert.Equal(t, 1, m.Stats().Subscribers)

	require.Eventually(t, func() bool {
		return m.Stats().AggregateRSS > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownDestroysEverything(t *testing.T) {
	cfg := testConfig()
	m := NewManager(Options{Config: cfg, Sampler: &stubSampler{}})
	m.Start()

	a := createShell(t, m, `sleep 60`)
	b := createShell(t, m, `sleep 60`)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	_, err := m.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, m.Stats().Sessions)
}
