package terminal

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

// Classifier assigns a line kind at ingest time. The pool wires the
// active rule set in so prompt lines are tagged; the default only
// separates stderr-looking lines from plain stdout.
type Classifier func(line string) types.LineKind

var stderrIndicators = []string{
	"error",
	"panic:",
	"fatal",
	"traceback (most recent call last)",
	"exception",
}

// DefaultClassifier tags lines that look like error output. The PTY
// merges stdout and stderr, so this is inference, not ground truth.
func DefaultClassifier(line string) types.LineKind {
	trimmed := strings.ToLower(strings.TrimSpace(line))
	for _, indicator := range stderrIndicators {
		if strings.HasPrefix(trimmed, indicator) {
			return types.LineStderr
		}
	}
	return types.LineStdout
}

// Buffer is the bounded per-session event ring. It feeds raw chunks
// through a Scanner and retains the resulting OutputEvents up to a line
// cap and a byte cap. The ring is deliberately lossy: once either cap
// is exceeded the oldest events are dropped. Attention detection only
// needs a recent window of output, so full history is not a correctness
// requirement here; durable history belongs to the transcript writer.
type Buffer struct {
	mu        sync.RWMutex
	sessionID string
	scanner   *Scanner
	classify  Classifier

	maxLines int
	maxBytes int

	events    []types.OutputEvent
	head      int
	count     int
	lineBytes int

	seq     uint64
	bytesIn int64
	evicted uint64
}

// NewBuffer creates a ring for one session. A nil classify falls back
// to DefaultClassifier.
func NewBuffer(sessionID string, maxLines, maxBytes int, classify Classifier) *Buffer {
	if maxLines <= 0 {
		maxLines = 10000
	}
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	if classify == nil {
		classify = DefaultClassifier
	}
	return &Buffer{
		sessionID: sessionID,
		scanner:   NewScanner(),
		classify:  classify,
		maxLines:  maxLines,
		maxBytes:  maxBytes,
		events:    make([]types.OutputEvent, maxLines),
	}
}

// Ingest consumes one raw chunk and returns the events it completed,
// in stream order. Returned slices are copies safe to fan out.
func (b *Buffer) Ingest(p []byte) []types.OutputEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bytesIn += int64(len(p))
	lines := b.scanner.Feed(p)
	if len(lines) == 0 {
		return nil
	}

	now := time.Now()
	out := make([]types.OutputEvent, 0, len(lines))
	for _, line := range lines {
		out = append(out, b.push(line, b.classify(line), now))
	}
	return out
}

// Append records a line that did not come from the PTY, such as the
// echo of injected input or a daemon notice.
func (b *Buffer) Append(kind types.LineKind, line string) types.OutputEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.push(line, kind, time.Now())
}

// Flush emits any remaining partial line as a final event. Called once
// the read loop hits EOF.
func (b *Buffer) Flush() (types.OutputEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	line, ok := b.scanner.Flush()
	if !ok {
		return types.OutputEvent{}, false
	}
	return b.push(line, b.classify(line), time.Now()), true
}

func (b *Buffer) push(line string, kind types.LineKind, now time.Time) types.OutputEvent {
	b.seq++
	ev := types.OutputEvent{
		SessionID: b.sessionID,
		Seq:       b.seq,
		Offset:    b.bytesIn,
		Time:      now,
		Kind:      kind,
		Line:      line,
	}

	if b.count == b.maxLines {
		b.dropOldest()
	}
	b.events[(b.head+b.count)%b.maxLines] = ev
	b.count++
	b.lineBytes += len(line)

	// Byte cap; always retain at least the newest event.
	for b.lineBytes > b.maxBytes && b.count > 1 {
		b.dropOldest()
	}
	return ev
}

func (b *Buffer) dropOldest() {
	ev := b.events[b.head]
	b.events[b.head] = types.OutputEvent{}
	b.head = (b.head + 1) % b.maxLines
	b.count--
	b.lineBytes -= len(ev.Line)
	b.evicted++
}

// Events returns up to limit retained events with Seq > since, oldest
// first. A limit <= 0 means no bound. Evicted events are simply absent;
// callers detect gaps by comparing Seq continuity.
func (b *Buffer) Events(since uint64, limit int) []types.OutputEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := sort.Search(b.count, func(i int) bool {
		return b.events[(b.head+i)%b.maxLines].Seq > since
	})
	n := b.count - start
	if limit > 0 && n > limit {
		n = limit
	}

	out := make([]types.OutputEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.events[(b.head+start+i)%b.maxLines])
	}
	return out
}

// Last returns the newest n retained events, oldest first. An n <= 0
// returns everything retained.
func (b *Buffer) Last(n int) []types.OutputEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]types.OutputEvent, 0, n)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.events[(b.head+i)%b.maxLines])
	}
	return out
}

// Tail returns the current unterminated line, where prompts live.
func (b *Buffer) Tail() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanner.Tail()
}

// LastSeq returns the sequence number of the newest event.
func (b *Buffer) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Len returns the number of retained events.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// BytesIngested returns the total raw bytes fed in. The resource
// monitor samples this counter to derive output rates.
func (b *Buffer) BytesIngested() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bytesIn
}

// Evicted returns how many events the ring has dropped.
func (b *Buffer) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evicted
}
