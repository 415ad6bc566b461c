package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/switchboard-sh/switchboard/internal/attention"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

func newBareSession() *session {
	return &session{
		id:      "sess_test",
		limiter: rate.NewLimiter(rate.Inf, 0),
		rules:   attention.NewRuleSet(attention.DefaultRules()),
	}
}

func TestClassifyTagsEchoedInputAsCommand(t *testing.T) {
	s := newBareSession()

	s.noteEcho([]byte("make test\n"))
	assert.Equal(t, types.LineCommand, s.classify("make test"))

	// The echo is consumed; the same text later is ordinary output.
	assert.Equal(t, types.LineStdout, s.classify("make test"))
}

func TestClassifyMatchesEchoWithPromptPrefix(t *testing.T) {
	s := newBareSession()

	// The PTY echoes typed input onto the line already holding the
	// prompt, so the match is by suffix.
	s.noteEcho([]byte("y\n"))
	assert.Equal(t, types.LineCommand, s.classify("Continue? (y/n): y"))
}

func TestClassifyPromptAndStderr(t *testing.T) {
	s := newBareSession()

	assert.Equal(t, types.LinePrompt, s.classify("Continue? (y/n): "))
	assert.Equal(t, types.LineStderr, s.classify("error: no such file"))
	assert.Equal(t, types.LineStdout, s.classify("compiling widget.go"))
}

func TestNoteEchoKeepsRecentEntries(t *testing.T) {
	s := newBareSession()

	for i := 0; i < maxPendingEchoes+2; i++ {
		s.noteEcho([]byte{byte('a' + i), '\n'})
	}

	// Oldest entries fell off the front; the rest consume in order.
	assert.Equal(t, types.LineStdout, s.classify("a"))
	assert.Equal(t, types.LineStdout, s.classify("b"))
	assert.Equal(t, types.LineCommand, s.classify("c"))
	assert.Equal(t, types.LineCommand, s.classify("d"))
	assert.Equal(t, types.LineCommand, s.classify("e"))
	assert.Equal(t, types.LineCommand, s.classify("f"))
}

func TestThrottleWindow(t *testing.T) {
	s := newBareSession()
	now := time.Now()

	assert.False(t, s.throttled(now))

	s.throttle(now.Add(100*time.Millisecond), 1024, 4096)
	assert.True(t, s.throttled(now))
	assert.Equal(t, rate.Limit(1024), s.limiter.Limit())

	// Inside the window the throttle stays on.
	assert.True(t, s.unthrottle(now.Add(50*time.Millisecond)))
	assert.Equal(t, rate.Limit(1024), s.limiter.Limit())

	// Past the deadline the limiter opens back up.
	assert.False(t, s.unthrottle(now.Add(200*time.Millisecond)))
	assert.Equal(t, rate.Inf, s.limiter.Limit())
	assert.False(t, s.throttled(now.Add(200*time.Millisecond)))
}

func TestMarkEndFirstReasonWins(t *testing.T) {
	s := newBareSession()
	s.markEnd(types.EndEvicted)
	s.markEnd(types.EndDestroyed)
	assert.Equal(t, types.EndEvicted, s.takeEndReason(types.EndExited))
}

func TestTakeEndReasonFallsBack(t *testing.T) {
	s := newBareSession()
	assert.Equal(t, types.EndExited, s.takeEndReason(types.EndExited))
}

func TestWarnEvictOncePerEpisode(t *testing.T) {
	s := newBareSession()
	now := time.Now()

	assert.True(t, s.warnEvict(now))
	assert.False(t, s.warnEvict(now.Add(time.Second)))

	// Pressure subsided and came back: a fresh warning is due.
	s.clearEvictWarning()
	assert.True(t, s.warnEvict(now.Add(2*time.Second)))
}

func TestAttendedStamp(t *testing.T) {
	s := newBareSession()
	assert.True(t, s.lastAttendedAt().IsZero())

	now := time.Now()
	s.attended(now)
	assert.Equal(t, now, s.lastAttendedAt())
}
