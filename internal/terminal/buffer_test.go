package terminal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

func TestBufferIngestAssignsSequence(t *testing.T) {
	b := NewBuffer("sess_1", 100, 1<<20, nil)

	events := b.Ingest([]byte("one\ntwo\n"))
	require.Len(t, events, 2)

	assert.Equal(t, "sess_1", events[0].SessionID)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, "one", events[0].Line)
	assert.Equal(t, "two", events[1].Line)
	assert.Equal(t, types.LineStdout, events[0].Kind)
	assert.False(t, events[0].Time.IsZero())
	assert.Equal(t, int64(8), events[0].Offset)
}

func TestBufferDefaultClassifier(t *testing.T) {
	tests := []struct {
		line string
		want types.LineKind
	}{
		{"Error: connection refused", types.LineStderr},
		{"  panic: index out of range", types.LineStderr},
		{"FATAL: shutting down", types.LineStderr},
		{"Traceback (most recent call last):", types.LineStderr},
		{"building project", types.LineStdout},
		{"no errors found", types.LineStdout},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultClassifier(tt.line), "line %q", tt.line)
	}
}

func TestBufferCustomClassifier(t *testing.T) {
	classify := func(line string) types.LineKind {
		if strings.HasSuffix(line, "?") {
			return types.LinePrompt
		}
		return types.LineStdout
	}
	b := NewBuffer("sess_1", 100, 1<<20, classify)

	events := b.Ingest([]byte("Proceed?\n"))
	require.Len(t, events, 1)
	assert.Equal(t, types.LinePrompt, events[0].Kind)
}

func TestBufferLineCapEvictsOldest(t *testing.T) {
	b := NewBuffer("sess_1", 3, 1<<20, nil)

	b.Ingest([]byte("1\n2\n3\n4\n5\n"))

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, uint64(2), b.Evicted())

	retained := b.Events(0, 0)
	require.Len(t, retained, 3)
	assert.Equal(t, "3", retained[0].Line)
	assert.Equal(t, "5", retained[2].Line)
}

func TestBufferByteCapEvictsOldest(t *testing.T) {
	b := NewBuffer("sess_1", 100, 10, nil)

	b.Ingest([]byte("aaaa\nbbbb\ncccc\n"))

	assert.Equal(t, 2, b.Len())
	retained := b.Events(0, 0)
	assert.Equal(t, "bbbb", retained[0].Line)
	assert.Equal(t, "cccc", retained[1].Line)
}

func TestBufferRetainsOversizedSingleLine(t *testing.T) {
	b := NewBuffer("sess_1", 100, 8, nil)

	b.Ingest([]byte("twelve bytes\n"))

	assert.Equal(t, 1, b.Len())
}

func TestBufferEventsSince(t *testing.T) {
	b := NewBuffer("sess_1", 100, 1<<20, nil)
	b.Ingest([]byte("1\n2\n3\n4\n5\n"))

	events := b.Events(2, 0)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Seq)

	limited := b.Events(2, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, uint64(3), limited[0].Seq)
	assert.Equal(t, uint64(4), limited[1].Seq)

	assert.Empty(t, b.Events(5, 0))
}

func TestBufferLast(t *testing.T) {
	b := NewBuffer("sess_1", 100, 1<<20, nil)
	b.Ingest([]byte("1\n2\n3\n"))

	last := b.Last(2)
	require.Len(t, last, 2)
	assert.Equal(t, "2", last[0].Line)
	assert.Equal(t, "3", last[1].Line)

	assert.Len(t, b.Last(0), 3)
	assert.Len(t, b.Last(99), 3)
}

func TestBufferAppend(t *testing.T) {
	b := NewBuffer("sess_1", 100, 1<<20, nil)

	ev := b.Append(types.LineSystemNote, "session will be evicted")
	assert.Equal(t, types.LineSystemNote, ev.Kind)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, 1, b.Len())
}

func TestBufferTailAndFlush(t *testing.T) {
	b := NewBuffer("sess_1", 100, 1<<20, nil)

	events := b.Ingest([]byte("Enter your choice: "))
	assert.Empty(t, events)
	assert.Equal(t, "Enter your choice: ", b.Tail())

	final, ok := b.Flush()
	require.True(t, ok)
	assert.Equal(t, "Enter your choice: ", final.Line)
	assert.Empty(t, b.Tail())

	_, ok = b.Flush()
	assert.False(t, ok)
}

func TestBufferBytesIngested(t *testing.T) {
	b := NewBuffer("sess_1", 100, 1<<20, nil)
	b.Ingest([]byte("hello\n"))
	b.Ingest([]byte("hi\n"))
	assert.Equal(t, int64(9), b.BytesIngested())
}

func TestBufferSequenceSurvivesEviction(t *testing.T) {
	b := NewBuffer("sess_1", 2, 1<<20, nil)
	b.Ingest([]byte("1\n2\n3\n"))

	retained := b.Events(0, 0)
	require.Len(t, retained, 2)
	assert.Equal(t, uint64(2), retained[0].Seq)
	assert.Equal(t, uint64(3), retained[1].Seq)
	assert.Equal(t, uint64(3), b.LastSeq())
}
