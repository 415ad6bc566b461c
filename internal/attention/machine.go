package attention

import (
	"sync"
	"time"

	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

// MachineConfig tunes the per-session state machine timers.
type MachineConfig struct {
	IdleThreshold time.Duration // quiet time before Running becomes Idle
	SettleWindow  time.Duration // quiet time a prompt match must survive
	ErrorGrace    time.Duration // quiet time an error match must survive
	TailWindow    int           // bytes of completed output kept for matching
}

func (c MachineConfig) withDefaults() MachineConfig {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 3 * time.Second
	}
	if c.SettleWindow <= 0 {
		c.SettleWindow = 200 * time.Millisecond
	}
	if c.ErrorGrace <= 0 {
		c.ErrorGrace = time.Second
	}
	if c.TailWindow <= 0 {
		c.TailWindow = 512
	}
	return c
}

// EffectKind distinguishes what the machine asks the pool to do.
type EffectKind string

const (
	EffectState EffectKind = "state"
	EffectRaise EffectKind = "raise"
	EffectClear EffectKind = "clear"
)

// ClearCause explains why an attention request was withdrawn.
type ClearCause string

const (
	ClearInput      ClearCause = "input"
	ClearOutput     ClearCause = "output"
	ClearTerminated ClearCause = "terminated"
)

// Effect is one instruction emitted by the machine: a state change, an
// attention raise/refresh, or a clear. Effects for a session are
// produced in the order their triggers were observed.
type Effect struct {
	Kind    EffectKind
	From    types.SessionState
	To      types.SessionState
	Request types.AttentionRequest
	Cause   ClearCause
}

// candidate is a rule match waiting out its settle or grace window.
type candidate struct {
	match    Match
	deadline time.Time
}

// Machine classifies one session's state from its output stream.
//
// The read loop feeds it through Observe, the pool ticker drives its
// timers through Advance, and input/exit notifications arrive through
// NoteInput and NoteExit. All four are safe to call concurrently.
// Matching runs against a bounded window (recent completed lines plus
// the unterminated tail), never against the whole buffer.
type Machine struct {
	mu        sync.Mutex
	sessionID string
	cfg       MachineConfig
	rules     *RuleSet

	state        types.SessionState
	lastActivity time.Time

	completed     []byte
	completedBase int64
	tail          string

	pending       *candidate
	errorConsumed int64
	active        *types.AttentionRequest
	raisedTotal   int
}

// NewMachine starts a machine in the running state.
func NewMachine(sessionID string, cfg MachineConfig, rules *RuleSet, now time.Time) *Machine {
	return &Machine{
		sessionID:    sessionID,
		cfg:          cfg.withDefaults(),
		rules:        rules,
		state:        types.StateRunning,
		lastActivity: now,
	}
}

// Observe feeds freshly completed events and the current unterminated
// tail into the machine. The read loop calls it only when bytes
// actually arrived, so a call is itself evidence of activity even if
// no line completed and the tail is unchanged.
func (m *Machine) Observe(now time.Time, events []types.OutputEvent, tail string) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		return nil
	}

	m.lastActivity = now

	visible := len(events) > 0 || tail != m.tail
	if !visible {
		return nil
	}

	for _, ev := range events {
		m.completed = append(m.completed, ev.Line...)
		m.completed = append(m.completed, '\n')
	}
	if over := len(m.completed) - m.cfg.TailWindow; over > 0 {
		m.completed = append(m.completed[:0], m.completed[over:]...)
		m.completedBase += int64(over)
	}
	m.tail = tail

	var effects []Effect
	switch m.state {
	case types.StateIdle, types.StateWaitingForInput, types.StateError:
		effects = m.to(types.StateRunning, effects)
	}
	if m.active != nil {
		effects = append(effects, Effect{Kind: EffectClear, Request: *m.active, Cause: ClearOutput})
		m.active = nil
	}

	m.rearm(now)
	return effects
}

// rearm re-evaluates the match window and sets or clears the pending
// candidate. Every visible change restarts a prompt's settle window;
// an error match is armed once and recovery output retires it for good.
func (m *Machine) rearm(now time.Time) {
	text := string(m.completed) + m.tail
	match, ok := m.rules.Match(text)
	if !ok {
		m.pending = nil
		return
	}

	if match.Rule.Category == types.CategoryErrorHalt {
		absEnd := m.completedBase + int64(match.End)
		if absEnd <= m.errorConsumed {
			m.pending = nil
			return
		}
		m.errorConsumed = absEnd
		m.pending = &candidate{match: match, deadline: now.Add(m.cfg.ErrorGrace)}
		return
	}

	m.pending = &candidate{match: match, deadline: now.Add(m.cfg.SettleWindow)}
}

// Advance fires due timers: a settled prompt match, an expired error
// grace, or the idle threshold. The pool calls it on a short tick.
func (m *Machine) Advance(now time.Time) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		return nil
	}

	var effects []Effect

	if p := m.pending; p != nil && !now.Before(p.deadline) {
		m.pending = nil
		if p.match.Rule.Category == types.CategoryErrorHalt {
			effects = m.to(types.StateError, effects)
		} else {
			effects = m.to(types.StateWaitingForInput, effects)
		}
		return m.raise(now, p.match, effects)
	}

	if m.state == types.StateRunning && now.Sub(m.lastActivity) >= m.cfg.IdleThreshold {
		effects = m.to(types.StateIdle, effects)
	}

	return effects
}

// NoteInput records that input was forwarded to the process. A waiting
// session resumes immediately rather than waiting for the echo.
func (m *Machine) NoteInput(now time.Time) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		return nil
	}

	m.lastActivity = now
	m.pending = nil

	var effects []Effect
	if m.state == types.StateWaitingForInput {
		effects = m.to(types.StateRunning, effects)
	}
	if m.active != nil {
		effects = append(effects, Effect{Kind: EffectClear, Request: *m.active, Cause: ClearInput})
		m.active = nil
	}
	return effects
}

// NoteExit absorbs the machine into the terminated state. Later calls
// of any kind are no-ops.
func (m *Machine) NoteExit(now time.Time) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		return nil
	}

	m.pending = nil
	effects := m.to(types.StateTerminated, nil)
	if m.active != nil {
		effects = append(effects, Effect{Kind: EffectClear, Request: *m.active, Cause: ClearTerminated})
		m.active = nil
	}
	return effects
}

// SetRules swaps the rule table and re-evaluates the current window,
// so a hot-reloaded rule can arm on a prompt already on screen.
func (m *Machine) SetRules(now time.Time, rules *RuleSet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = rules
	if m.state.Terminal() {
		return
	}
	m.rearm(now)
}

func (m *Machine) raise(now time.Time, match Match, effects []Effect) []Effect {
	if m.active == nil {
		m.raisedTotal++
		req := types.AttentionRequest{
			SessionID:  m.sessionID,
			Category:   match.Rule.Category,
			Confidence: match.Rule.Confidence,
			Priority:   match.Rule.Priority,
			CreatedAt:  now,
		}
		m.active = &req
	} else {
		m.active.Category = match.Rule.Category
		m.active.Confidence = match.Rule.Confidence
		m.active.Priority = match.Rule.Priority
		m.active.RefreshedAt = now
	}
	return append(effects, Effect{Kind: EffectRaise, Request: *m.active})
}

func (m *Machine) to(state types.SessionState, effects []Effect) []Effect {
	if m.state == state {
		return effects
	}
	effects = append(effects, Effect{Kind: EffectState, From: m.state, To: state})
	m.state = state
	return effects
}

// State returns the current classification.
func (m *Machine) State() types.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastActivity returns the time of the last observed output or input.
func (m *Machine) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// ActiveRequest returns a copy of the currently raised request, if any.
func (m *Machine) ActiveRequest() (types.AttentionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return types.AttentionRequest{}, false
	}
	return *m.active, true
}

// RaisedTotal returns how many distinct requests this session raised.
func (m *Machine) RaisedTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raisedTotal
}
