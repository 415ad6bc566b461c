package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/switchboard-sh/switchboard/internal/attention"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
	"github.com/switchboard-sh/switchboard/internal/transcript"
)

// readLoop pulls PTY output for one session until EOF. It owns the
// buffer exclusively; everything downstream gets immutable copies.
func (m *Manager) readLoop(s *session) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			// Pacing only bites while the session is throttled.
			_ = s.limiter.WaitN(context.Background(), n)

			now := time.Now()
			events := s.buffer.Ingest(buf[:n])
			m.metrics.RecordOutput(s.id, n)
			for _, ev := range events {
				m.metrics.RecordLine(string(ev.Kind))
				if werr := s.writer.Append(ev); werr != nil && !errors.Is(werr, transcript.ErrClosed) {
					m.log.Debug("Transcript append failed",
						zap.String("session_id", s.id),
						zap.Error(werr))
				}
			}
			m.apply(s, now, s.machine.Observe(now, events, s.buffer.Tail()))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.log.Warn("Session read failed",
					zap.String("session_id", s.id),
					zap.Error(err))
			}
			break
		}
	}

	// The trailing partial line is bookkeeping for replay and the
	// transcript; it is not fresh activity, so the machine never sees it.
	if ev, ok := s.buffer.Flush(); ok {
		m.metrics.RecordLine(string(ev.Kind))
		_ = s.writer.Append(ev)
	}

	close(s.readDone)
	m.finalize(s, types.EndExited)
}

// evalLoop drives the per-session timers: settle windows, error grace
// and the idle threshold.
func (m *Manager) evalLoop() {
	defer m.wg.Done()

	interval := m.cfg.Pool.EvalInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			for _, s := range m.snapshot() {
				m.apply(s, now, s.machine.Advance(now))
			}
		}
	}
}

// monitorLoop runs the slow cadence: resource sampling, queue aging,
// throttle and eviction decisions, and the transcript retention sweep.
func (m *Manager) monitorLoop() {
	defer m.wg.Done()

	interval := m.cfg.Resources.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSweep time.Time
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.samplePass(now)
			if m.archiver.Enabled() && now.Sub(lastSweep) >= time.Hour {
				lastSweep = now
				go func() {
					if _, err := m.archiver.Sweep(now); err != nil {
						m.log.Warn("Transcript sweep failed", zap.Error(err))
					}
				}()
			}
		}
	}
}

func (m *Manager) samplePass(now time.Time) {
	start := time.Now()
	_, failed := m.monitor.SampleAll(now)
	m.metrics.ObserveSamplePass(time.Since(start))
	m.metrics.SetPoolRSS(m.monitor.AggregateRSS())

	// A session whose process table entry is gone is dead regardless of
	// what the read loop has seen; failure never aborts the pass.
	for _, sid := range failed {
		if s, ok := m.lookup(sid); ok {
			m.log.Warn("Resource sampling failed, terminating session",
				zap.String("session_id", sid))
			s.markEnd(types.EndFailed)
			m.finalize(s, types.EndFailed)
		}
	}

	m.queue.Tick(now)
	m.metrics.SetQueueDepth(m.queue.Len())

	throttled := 0
	for _, s := range m.snapshot() {
		m.metrics.RecordRingEvictions(s.ringEvictedDelta())

		switch m.monitor.Recommend(s.id) {
		case types.ActionThrottle:
			first := !s.throttled(now)
			s.throttle(now.Add(m.cfg.Resources.ThrottleFor), m.cfg.Resources.ThrottleRate, readChunkSize)
			throttled++
			if first {
				m.log.Info("Throttling session reads",
					zap.String("session_id", s.id),
					zap.Float64("bytes_per_sec", m.cfg.Resources.ThrottleRate))
			}
		case types.ActionEvict:
			if s.warnEvict(now) {
				m.warnEviction(s, now)
			} else {
				go func(sid string) {
					_ = m.evict(context.Background(), sid, "pool memory over cap")
				}(s.id)
			}
		default:
			s.clearEvictWarning()
			if s.unthrottle(now) {
				throttled++
			}
		}
	}
	m.metrics.SetThrottledSessions(throttled)
}

// warnEviction gives subscribers one monitor pass to save the session
// before the kill lands.
func (m *Manager) warnEviction(s *session, now time.Time) {
	m.systemNote(s, "eviction pending: pool memory over cap")

	req := types.AttentionRequest{
		SessionID:  s.id,
		Category:   types.CategoryEvictNotice,
		Confidence: 1,
		Priority:   attention.DefaultPriority(types.CategoryEvictNotice),
		CreatedAt:  now,
	}
	if queued, ok := m.queue.EnqueueOrRefresh(now, req); ok {
		m.metrics.RecordAttentionRaised(string(queued.Category))
		m.metrics.SetQueueDepth(m.queue.Len())
		m.publish(m.event(s, types.EventEvictWarning, queued.Category, queued.Priority, now))
	}
	m.log.Info("Eviction warned",
		zap.String("session_id", s.id),
		zap.Uint64("aggregate_rss", m.monitor.AggregateRSS()))
}

// evict kills one session on behalf of capacity or memory pressure.
// Sessions evicted without a prior warning pass still get the warning
// event, immediately before the terminated one.
func (m *Manager) evict(ctx context.Context, sessionID, cause string) error {
	s, ok := m.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	now := time.Now()
	if s.warnEvict(now) {
		m.publish(m.event(s, types.EventEvictWarning, types.CategoryEvictNotice,
			attention.DefaultPriority(types.CategoryEvictNotice), now))
	}
	m.systemNote(s, "evicted: "+cause)
	m.log.Info("Evicting session",
		zap.String("session_id", sessionID),
		zap.String("cause", cause))

	s.markEnd(types.EndEvicted)
	_ = s.handle.Terminate(m.cfg.Pool.DestroyGrace)

	select {
	case <-s.readDone:
	case <-time.After(m.cfg.Pool.DestroyGrace + 3*time.Second):
	case <-ctx.Done():
	}

	m.finalize(s, types.EndEvicted)
	return nil
}

// apply turns machine effects into queue updates and subscriber
// events. Effects for one session arrive in observation order.
func (m *Manager) apply(s *session, now time.Time, effects []attention.Effect) {
	for _, eff := range effects {
		switch eff.Kind {
		case attention.EffectState:
			m.log.Debug("Session state changed",
				zap.String("session_id", s.id),
				zap.String("from", string(eff.From)),
				zap.String("to", string(eff.To)))

		case attention.EffectRaise:
			queued, ok := m.queue.EnqueueOrRefresh(now, eff.Request)
			if !ok {
				// Suppressed by the acknowledge debounce.
				continue
			}
			evType := types.EventRaised
			if !eff.Request.RefreshedAt.IsZero() {
				evType = types.EventRefreshed
			} else {
				m.metrics.RecordAttentionRaised(string(queued.Category))
			}
			m.metrics.SetQueueDepth(m.queue.Len())
			m.publish(m.event(s, evType, queued.Category, queued.Priority, now))

		case attention.EffectClear:
			if m.queue.Remove(s.id) {
				m.metrics.RecordAttentionCleared(string(eff.Cause))
				m.metrics.SetQueueDepth(m.queue.Len())
				m.publish(m.event(s, types.EventCleared, eff.Request.Category, 0, now))
			}
		}
	}
}

// publish fans one event out to every subscriber, dropping instead of
// blocking when a subscriber's buffer is full.
func (m *Manager) publish(ev types.AttentionEvent) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.metrics.RecordDroppedEvent()
		}
	}
}

func (m *Manager) event(s *session, evType types.AttentionEventType, category types.AttentionCategory, priority float64, now time.Time) types.AttentionEvent {
	return types.AttentionEvent{
		Event:     evType,
		SessionID: s.id,
		Label:     s.label,
		State:     s.machine.State(),
		Category:  category,
		Priority:  priority,
		Timestamp: now,
	}
}

// systemNote records a daemon-synthesized line on the session's ring
// and transcript.
func (m *Manager) systemNote(s *session, line string) {
	ev := s.buffer.Append(types.LineSystemNote, line)
	m.metrics.RecordLine(string(types.LineSystemNote))
	if err := s.writer.Append(ev); err != nil && !errors.Is(err, transcript.ErrClosed) {
		m.log.Debug("Transcript append failed",
			zap.String("session_id", s.id),
			zap.Error(err))
	}
}

// finalize runs the one-and-only teardown for a session: terminal
// machine transition, transcript close, history row, index removal and
// the single terminated event.
func (m *Manager) finalize(s *session, fallback types.EndReason) {
	s.endOnce.Do(func() {
		now := time.Now()
		reason := s.takeEndReason(fallback)

		// EIO on the PTY master can beat the reaper by a tick; the exit
		// status is only published once the child is waited on.
		select {
		case <-s.handle.Done():
		case <-time.After(2 * time.Second):
		}

		exitCode := -1
		if exit, reaped := s.handle.ExitStatus(); reaped {
			if exit.Signaled {
				exitCode = 128 + int(exit.Signal)
			} else {
				exitCode = exit.Code
			}
			m.systemNote(s, fmt.Sprintf("session ended (%s, %s)", reason, exit))
		} else {
			m.systemNote(s, fmt.Sprintf("session ended (%s)", reason))
		}

		m.apply(s, now, s.machine.NoteExit(now))

		// Evict notices are queued by the monitor, not the machine, so
		// NoteExit cannot clear them.
		if m.queue.Remove(s.id) {
			m.metrics.RecordAttentionCleared(string(attention.ClearTerminated))
		}

		transcriptPath := s.writer.Path()
		if err := s.writer.Close(); err != nil {
			m.log.Warn("Transcript close failed",
				zap.String("session_id", s.id),
				zap.Error(err))
		}

		peakRSS := m.monitor.PeakRSS(s.id)
		m.monitor.Untrack(s.id)
		if m.watcher != nil {
			m.watcher.Unwatch(s.id)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.journal.Record(ctx, types.SessionRecord{
			ID:             s.id,
			Label:          s.label,
			Command:        s.spec.Command,
			Args:           s.spec.Args,
			WorkingDir:     s.handle.WorkingDir(),
			CreatedAt:      s.createdAt,
			EndedAt:        now,
			ExitCode:       exitCode,
			EndReason:      reason,
			AttentionCount: s.machine.RaisedTotal(),
			PeakRSSBytes:   peakRSS,
			TranscriptPath: transcriptPath,
		})
		cancel()
		if err != nil {
			m.log.Warn("History record failed",
				zap.String("session_id", s.id),
				zap.Error(err))
		}

		m.publish(m.event(s, types.EventTerminated, types.CategoryTerminated,
			attention.DefaultPriority(types.CategoryTerminated), now))

		m.metrics.RecordSessionEnd(string(reason))
		m.metrics.ForgetSession(s.id)
		m.metrics.SetQueueDepth(m.queue.Len())

		m.mu.Lock()
		delete(m.sessions, s.id)
		for i, sid := range m.order {
			if sid == s.id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		m.mu.Unlock()

		_ = s.handle.Close()

		m.log.Info("Session ended",
			zap.String("session_id", s.id),
			zap.String("reason", string(reason)),
			zap.Int("exit_code", exitCode))
	})
}

func (m *Manager) snapshot() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
