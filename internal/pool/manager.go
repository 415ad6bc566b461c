package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/switchboard-sh/switchboard/internal/attention"
	"github.com/switchboard-sh/switchboard/internal/history"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/monitoring"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/resilience"
	"github.com/switchboard-sh/switchboard/internal/resource"
	"github.com/switchboard-sh/switchboard/internal/rules"
	"github.com/switchboard-sh/switchboard/internal/shared/id"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
	"github.com/switchboard-sh/switchboard/internal/terminal"
	"github.com/switchboard-sh/switchboard/internal/transcript"
)

// globalRulesKey is the watcher key for the shared pattern file; it can
// never collide with a session ID.
const globalRulesKey = "global"

// readChunkSize is the read-loop buffer size and the burst of a
// throttled session's limiter.
const readChunkSize = 32 * 1024

// spawnFunc exists so tests can fail spawns deterministically.
type spawnFunc func(terminal.SpawnOptions) (*terminal.Handle, error)

// Options wires the manager's collaborators.
type Options struct {
	Config   *config.Config
	Log      *logging.Logger
	Metrics  *monitoring.Metrics
	Sampler  resource.Sampler
	Archiver *transcript.Archiver
	Journal  *history.Journal
}

// Manager owns all live sessions and is the public API of the daemon.
type Manager struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *monitoring.Metrics

	queue    *attention.Queue
	monitor  *resource.Monitor
	loader   *rules.Loader
	watcher  *rules.Watcher
	archiver *transcript.Archiver
	journal  *history.Journal
	breaker  *resilience.Breaker
	spawn    spawnFunc

	mu       sync.RWMutex
	sessions map[string]*session
	order    []string
	reserved int

	subMu sync.RWMutex
	subs  map[string]chan types.AttentionEvent

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a manager. Call Start to launch the tickers.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = logging.Nop()
	}
	log = log.Named("pool")

	m := &Manager{
		cfg:      cfg,
		log:      log,
		metrics:  opts.Metrics,
		archiver: opts.Archiver,
		journal:  opts.Journal,
		spawn:    terminal.Spawn,
		sessions: make(map[string]*session),
		subs:     make(map[string]chan types.AttentionEvent),
		stop:     make(chan struct{}),
	}

	m.queue = attention.NewQueue(attention.QueueConfig{
		AgingRate:   cfg.Attention.AgingRate,
		AgingCap:    cfg.Attention.AgingCap,
		AckDebounce: cfg.Attention.AckDebounce,
	})
	m.loader = rules.NewLoader(cfg.Rules, log)
	m.monitor = resource.NewMonitor(opts.Sampler, cfg.Resources, m.candidates, log)

	// Only ErrResourceExhausted counts against the spawn breaker; a
	// mistyped command must not lock out everyone else's creates.
	m.breaker = resilience.New("session-spawn", resilience.Settings{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsFailure: func(err error) bool {
			return errors.Is(err, terminal.ErrResourceExhausted)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("Spawn breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	if cfg.Rules.WatchReload {
		m.watcher = rules.NewWatcher(log, m.reloadRules)
		if path := m.loader.GlobalPath(); path != "" {
			if err := m.watcher.Watch(globalRulesKey, path); err != nil {
				log.Warn("Failed to watch global rules", zap.Error(err))
			}
		}
	}

	return m
}

// Start launches the evaluation and monitoring tickers.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.evalLoop()
	go m.monitorLoop()
}

// Shutdown destroys every session and stops the background loops.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.RLock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sid := range ids {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			if err := m.Destroy(ctx, sid, m.cfg.Pool.DestroyGrace); err != nil && !errors.Is(err, ErrNotFound) {
				m.log.Warn("Destroy during shutdown failed",
					zap.String("session_id", sid),
					zap.Error(err))
			}
		}(sid)
	}
	wg.Wait()

	if m.watcher != nil {
		m.watcher.Shutdown()
	}
	m.archiver.CloseAll()
}

// Create spawns a new session. At capacity it first tries to evict an
// idle LRU victim; with none available it fails with ErrFull.
func (m *Manager) Create(ctx context.Context, spec Spec) (types.SessionSummary, error) {
	release, err := m.reserveSlot(ctx)
	if err != nil {
		return types.SessionSummary{}, err
	}
	defer release()

	sessionID := string(id.NewSessionID())
	now := time.Now()

	loaded := m.loader.ForSession(spec.WorkingDir)
	ruleSet := attention.NewRuleSet(attention.DefaultRules(), loaded.Rules)

	s := &session{
		id:        sessionID,
		label:     spec.Label,
		spec:      spec,
		createdAt: now,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		readDone:  make(chan struct{}),
		rules:     ruleSet,
	}
	s.buffer = terminal.NewBuffer(sessionID, m.cfg.Buffer.MaxLines, m.cfg.Buffer.MaxBytes, s.classify)
	s.machine = attention.NewMachine(sessionID, attention.MachineConfig{
		IdleThreshold: m.cfg.Attention.IdleThreshold,
		SettleWindow:  m.cfg.Attention.SettleWindow,
		ErrorGrace:    m.cfg.Attention.ErrorGrace,
		TailWindow:    m.cfg.Attention.TailWindow,
	}, ruleSet, now)

	var handle *terminal.Handle
	err = m.breaker.Execute(func() error {
		var spawnErr error
		handle, spawnErr = m.spawn(terminal.SpawnOptions{
			Command:    spec.Command,
			Args:       spec.Args,
			WorkingDir: spec.WorkingDir,
			Env:        spec.Env,
			Cols:       spec.Cols,
			Rows:       spec.Rows,
		})
		return spawnErr
	})
	if err != nil {
		m.metrics.RecordSpawnFailure(spawnFailureKind(err))
		m.log.Warn("Spawn failed",
			zap.String("command", spec.Command),
			zap.Error(err))
		return types.SessionSummary{}, fmt.Errorf("create session: %w", err)
	}
	s.handle = handle

	writer, err := m.archiver.Open(sessionID)
	if err != nil {
		m.log.Warn("Transcript unavailable for session",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	s.writer = writer

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.order = append(m.order, sessionID)
	m.mu.Unlock()

	m.monitor.Track(sessionID, handle.PID(), s.buffer.BytesIngested)
	m.watchProjectRules(s)
	m.metrics.RecordSessionCreated()

	m.systemNote(s, fmt.Sprintf("spawned %s (pid %d)", spec.Command, handle.PID()))
	if len(loaded.Errors) > 0 {
		m.systemNote(s, fmt.Sprintf("%d pattern rule(s) rejected, see daemon log", len(loaded.Errors)))
	}

	// Read loops are not on m.wg: Shutdown waits for the tickers first
	// and then destroys sessions, which is what unblocks each reader.
	go m.readLoop(s)

	m.log.Info("Session created",
		zap.String("session_id", sessionID),
		zap.String("command", spec.Command),
		zap.String("working_dir", handle.WorkingDir()),
		zap.Int("pid", handle.PID()),
		zap.Int("rules", ruleSet.Len()))

	return s.summary(types.ResourceUsage{}), nil
}

// reserveSlot claims capacity for one create, evicting an idle LRU
// victim when the pool is full. The returned release must be called
// once the create has either registered its session or failed.
func (m *Manager) reserveSlot(ctx context.Context) (func(), error) {
	release := func() {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
	}

	m.mu.Lock()
	if len(m.sessions)+m.reserved < m.cfg.Pool.Capacity {
		m.reserved++
		m.mu.Unlock()
		return release, nil
	}
	m.mu.Unlock()

	victim, ok := m.monitor.EvictionCandidate()
	if !ok {
		return nil, fmt.Errorf("%w: capacity %d reached and no idle session to evict",
			ErrFull, m.cfg.Pool.Capacity)
	}

	// Capacity eviction cannot wait a monitor pass; the warning and the
	// kill land back to back so subscribers still see both.
	if err := m.evict(ctx, victim, "pool capacity reached"); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: eviction of %s failed: %v", ErrFull, victim, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions)+m.reserved >= m.cfg.Pool.Capacity {
		return nil, fmt.Errorf("%w: capacity %d reached", ErrFull, m.cfg.Pool.Capacity)
	}
	m.reserved++
	return release, nil
}

// SendInput forwards bytes to the session's PTY as if typed.
func (m *Manager) SendInput(ctx context.Context, sessionID string, input []byte) error {
	s, ok := m.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	state := s.machine.State()
	if !state.AcceptsInput() {
		return fmt.Errorf("%w: session is %s", ErrNotAcceptingInput, state)
	}

	if _, err := s.handle.Write(input); err != nil {
		if errors.Is(err, terminal.ErrClosed) {
			return fmt.Errorf("%w: terminal closed", ErrNotAcceptingInput)
		}
		return fmt.Errorf("send input: %w", err)
	}

	now := time.Now()
	s.noteEcho(input)
	s.attended(now)
	m.apply(s, now, s.machine.NoteInput(now))
	return nil
}

// Acknowledge marks the session's attention request as handled and
// stamps it most recently attended.
func (m *Manager) Acknowledge(sessionID string) error {
	s, ok := m.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	now := time.Now()
	s.attended(now)
	if m.queue.Acknowledge(now, sessionID) {
		var category types.AttentionCategory
		if req, active := s.machine.ActiveRequest(); active {
			category = req.Category
		}
		m.metrics.RecordAttentionCleared("acknowledged")
		m.metrics.SetQueueDepth(m.queue.Len())
		m.publish(m.event(s, types.EventCleared, category, 0, now))
	}
	return nil
}

// Destroy tears down a session. Safe to race the session's natural
// exit; subscribers see exactly one terminated event either way.
func (m *Manager) Destroy(ctx context.Context, sessionID string, grace time.Duration) error {
	s, ok := m.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if grace <= 0 {
		grace = m.cfg.Pool.DestroyGrace
	}

	s.markEnd(types.EndDestroyed)
	_ = s.handle.Terminate(grace)

	// The read loop drains buffered output and exits once the PTY hits
	// EOF; the handle force-closes it shortly after the reap.
	select {
	case <-s.readDone:
	case <-time.After(grace + 3*time.Second):
		m.log.Warn("Read loop did not drain in time",
			zap.String("session_id", sessionID))
	case <-ctx.Done():
	}

	m.finalize(s, types.EndDestroyed)
	return nil
}

// Resize updates the session's PTY dimensions.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	s, ok := m.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err := s.handle.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize session: %w", err)
	}
	return nil
}

// Output returns up to limit retained events with Seq > since.
func (m *Manager) Output(sessionID string, since uint64, limit int) ([]types.OutputEvent, error) {
	s, ok := m.lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s.buffer.Events(since, limit), nil
}

// Get returns the summary for one session.
func (m *Manager) Get(sessionID string) (types.SessionSummary, error) {
	s, ok := m.lookup(sessionID)
	if !ok {
		return types.SessionSummary{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	usage, _ := m.monitor.Usage(sessionID)
	return s.summary(usage), nil
}

// List returns summaries of all live sessions in creation order.
func (m *Manager) List() []types.SessionSummary {
	m.mu.RLock()
	ordered := make([]*session, 0, len(m.order))
	for _, sid := range m.order {
		if s, ok := m.sessions[sid]; ok {
			ordered = append(ordered, s)
		}
	}
	m.mu.RUnlock()

	out := make([]types.SessionSummary, 0, len(ordered))
	for _, s := range ordered {
		usage, _ := m.monitor.Usage(s.id)
		out = append(out, s.summary(usage))
	}
	return out
}

// Attention returns pending requests, highest effective priority first.
func (m *Manager) Attention() []types.AttentionRequest {
	return m.queue.Snapshot()
}

// Subscribe opens an attention event stream. Slow subscribers lose
// events rather than slowing the pool. The cancel func is idempotent.
func (m *Manager) Subscribe() (<-chan types.AttentionEvent, func()) {
	ch := make(chan types.AttentionEvent, m.cfg.Pool.SubscriberQueue)
	subID := string(id.NewSubscriberID())

	m.subMu.Lock()
	m.subs[subID] = ch
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, subID)
			close(ch)
			m.subMu.Unlock()
		})
	}
	return ch, cancel
}

// Stats summarizes pool health for the health endpoint.
type Stats struct {
	Sessions     int    `json:"sessions"`
	Capacity     int    `json:"capacity"`
	Pending      int    `json:"pending_attention"`
	Subscribers  int    `json:"subscribers"`
	AggregateRSS uint64 `json:"aggregate_rss_bytes"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	sessions := len(m.sessions)
	m.mu.RUnlock()

	m.subMu.RLock()
	subscribers := len(m.subs)
	m.subMu.RUnlock()

	return Stats{
		Sessions:     sessions,
		Capacity:     m.cfg.Pool.Capacity,
		Pending:      m.queue.Len(),
		Subscribers:  subscribers,
		AggregateRSS: m.monitor.AggregateRSS(),
	}
}

// History returns recently completed sessions from the journal.
func (m *Manager) History(ctx context.Context, limit int) ([]types.SessionRecord, error) {
	return m.journal.Recent(ctx, limit)
}

func (m *Manager) lookup(sessionID string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// candidates snapshots eviction-relevant session facts for the
// resource monitor. Runs without the monitor lock held.
func (m *Manager) candidates() []resource.Candidate {
	m.mu.RLock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]resource.Candidate, 0, len(list))
	for _, s := range list {
		out = append(out, resource.Candidate{
			SessionID:    s.id,
			State:        s.machine.State(),
			CreatedAt:    s.createdAt,
			LastAttended: s.lastAttendedAt(),
		})
	}
	return out
}

// watchProjectRules registers the session's pattern file for hot
// reload, keyed by session ID.
func (m *Manager) watchProjectRules(s *session) {
	if m.watcher == nil {
		return
	}
	path := m.loader.ProjectPath(s.spec.WorkingDir)
	if path == "" {
		return
	}
	if err := m.watcher.Watch(s.id, path); err != nil {
		m.log.Warn("Failed to watch project rules",
			zap.String("session_id", s.id),
			zap.Error(err))
	}
}

// reloadRules rebuilds rule tables after a pattern file change. The
// global key re-arms every session; a session key re-arms just it.
func (m *Manager) reloadRules(key string) {
	now := time.Now()
	if key == globalRulesKey {
		m.mu.RLock()
		list := make([]*session, 0, len(m.sessions))
		for _, s := range m.sessions {
			list = append(list, s)
		}
		m.mu.RUnlock()
		for _, s := range list {
			m.rearmRules(s, now)
		}
		return
	}
	if s, ok := m.lookup(key); ok {
		m.rearmRules(s, now)
	}
}

func (m *Manager) rearmRules(s *session, now time.Time) {
	loaded := m.loader.ForSession(s.spec.WorkingDir)
	ruleSet := attention.NewRuleSet(attention.DefaultRules(), loaded.Rules)
	s.setRules(ruleSet)
	s.machine.SetRules(now, ruleSet)
	m.log.Info("Reloaded pattern rules",
		zap.String("session_id", s.id),
		zap.Int("rules", ruleSet.Len()),
		zap.Int("rejected", len(loaded.Errors)))
}

// spawnFailureKind maps a spawn error onto its metrics label.
func spawnFailureKind(err error) string {
	switch {
	case errors.Is(err, terminal.ErrNotFound):
		return "not_found"
	case errors.Is(err, terminal.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, terminal.ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return "breaker_open"
	default:
		return "other"
	}
}
