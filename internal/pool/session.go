package pool

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/switchboard-sh/switchboard/internal/attention"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
	"github.com/switchboard-sh/switchboard/internal/terminal"
	"github.com/switchboard-sh/switchboard/internal/transcript"
)

// maxPendingEchoes bounds how many injected input lines wait for their
// PTY echo before the oldest is forgotten.
const maxPendingEchoes = 4

// Spec describes the session to create.
type Spec struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	Label      string
	Cols       uint16
	Rows       uint16
}

// session bundles everything the pool owns for one live terminal.
// The handle never leaves this struct.
type session struct {
	id        string
	label     string
	spec      Spec
	createdAt time.Time

	handle  *terminal.Handle
	buffer  *terminal.Buffer
	machine *attention.Machine
	writer  *transcript.Writer

	// limiter paces the read loop while the session is throttled.
	limiter *rate.Limiter

	readDone chan struct{}
	endOnce  sync.Once

	mu            sync.Mutex
	rules         *attention.RuleSet
	lastAttended  time.Time
	pendingEchoes []string
	throttledTo   time.Time
	evictWarnedAt time.Time
	endReason     types.EndReason
	lastEvicted   uint64
}

// classify tags one completed line. Echoes of injected input become
// Command lines, rule matches become Prompt or Stderr lines, the rest
// falls through to the stderr heuristics.
func (s *session) classify(line string) types.LineKind {
	if s.consumeEcho(line) {
		return types.LineCommand
	}
	s.mu.Lock()
	rules := s.rules
	s.mu.Unlock()
	if rules != nil {
		if kind := rules.Kind(line); kind != types.LineStdout {
			return kind
		}
	}
	return terminal.DefaultClassifier(line)
}

// noteEcho remembers an injected input line so its PTY echo can be
// classified as a Command.
func (s *session) noteEcho(input []byte) {
	text := strings.TrimRight(string(input), "\r\n")
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingEchoes = append(s.pendingEchoes, text)
	if len(s.pendingEchoes) > maxPendingEchoes {
		s.pendingEchoes = s.pendingEchoes[1:]
	}
}

// consumeEcho reports whether line is the echo of the oldest pending
// input. PTYs echo input back with the prompt still prefixed, so a
// suffix match is used rather than equality.
func (s *session) consumeEcho(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingEchoes) == 0 {
		return false
	}
	trimmed := strings.TrimSpace(line)
	want := s.pendingEchoes[0]
	if trimmed == want || strings.HasSuffix(trimmed, want) {
		s.pendingEchoes = s.pendingEchoes[1:]
		return true
	}
	return false
}

func (s *session) setRules(rules *attention.RuleSet) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

func (s *session) attended(now time.Time) {
	s.mu.Lock()
	s.lastAttended = now
	s.mu.Unlock()
}

func (s *session) lastAttendedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAttended
}

// markEnd records why the session is being torn down. The first caller
// wins; finalize falls back to its own reason when nobody marked one.
func (s *session) markEnd(reason types.EndReason) {
	s.mu.Lock()
	if s.endReason == "" {
		s.endReason = reason
	}
	s.mu.Unlock()
}

func (s *session) takeEndReason(fallback types.EndReason) types.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endReason == "" {
		s.endReason = fallback
	}
	return s.endReason
}

// throttle caps the read loop's byte rate until the given deadline.
func (s *session) throttle(until time.Time, bytesPerSec float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttledTo = until
	s.limiter.SetLimit(rate.Limit(bytesPerSec))
	s.limiter.SetBurst(burst)
}

// unthrottle restores full-speed reads once the throttle window has
// passed. Reports whether the session was throttled.
func (s *session) unthrottle(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.throttledTo.IsZero() {
		return false
	}
	if now.Before(s.throttledTo) {
		return true
	}
	s.throttledTo = time.Time{}
	s.limiter.SetLimit(rate.Inf)
	return false
}

func (s *session) throttled(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.throttledTo.IsZero() && now.Before(s.throttledTo)
}

// warnEvict stamps the eviction warning. Reports true when this call
// was the first warning, meaning the kill waits one more pass.
func (s *session) warnEvict(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.evictWarnedAt.IsZero() {
		return false
	}
	s.evictWarnedAt = now
	return true
}

func (s *session) clearEvictWarning() {
	s.mu.Lock()
	s.evictWarnedAt = time.Time{}
	s.mu.Unlock()
}

// ringEvictedDelta returns how many ring evictions happened since the
// last call.
func (s *session) ringEvictedDelta() int {
	total := s.buffer.Evicted()
	s.mu.Lock()
	defer s.mu.Unlock()
	d := total - s.lastEvicted
	s.lastEvicted = total
	return int(d)
}

// summary builds the public snapshot.
func (s *session) summary(usage types.ResourceUsage) types.SessionSummary {
	sum := types.SessionSummary{
		ID:           s.id,
		Label:        s.label,
		Command:      s.spec.Command,
		Args:         s.spec.Args,
		WorkingDir:   s.handle.WorkingDir(),
		PID:          s.handle.PID(),
		State:        s.machine.State(),
		CreatedAt:    s.createdAt,
		LastActivity: s.machine.LastActivity(),
		Usage:        usage,
	}
	if req, ok := s.machine.ActiveRequest(); ok {
		sum.Attention = true
		sum.Priority = req.Priority
	}
	return sum
}
