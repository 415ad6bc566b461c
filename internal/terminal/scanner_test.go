package terminal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(s *Scanner, chunks ...string) []string {
	var lines []string
	for _, c := range chunks {
		lines = append(lines, s.Feed([]byte(c))...)
	}
	return lines
}

func TestScannerPlainLines(t *testing.T) {
	s := NewScanner()
	lines := feedAll(s, "alpha\nbeta\n")
	assert.Equal(t, []string{"alpha", "beta"}, lines)
	assert.Empty(t, s.Tail())
}

func TestScannerCRLF(t *testing.T) {
	s := NewScanner()
	lines := feedAll(s, "alpha\r\nbeta\r\n")
	assert.Equal(t, []string{"alpha", "beta"}, lines)
}

func TestScannerCRLFSplitAcrossChunks(t *testing.T) {
	s := NewScanner()
	lines := feedAll(s, "alpha\r", "\nbeta\n")
	assert.Equal(t, []string{"alpha", "beta"}, lines)
}

func TestScannerProgressFrames(t *testing.T) {
	s := NewScanner()
	lines := feedAll(s, "10%\r20%\r30%\n")
	assert.Equal(t, []string{"10%", "20%", "30%"}, lines)
}

func TestScannerStripsANSI(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"sgr color", "\x1b[31mred\x1b[0m\n", []string{"red"}},
		{"cursor movement", "\x1b[2K\x1b[1Gline\n", []string{"line"}},
		{"osc title bel", "\x1b]0;my title\x07visible\n", []string{"visible"}},
		{"osc title st", "\x1b]0;my title\x1b\\visible\n", []string{"visible"}},
		{"two byte escape", "\x1b7saved\x1b8\n", []string{"saved"}},
		{"mixed", "plain \x1b[1mbold\x1b[22m end\n", []string{"plain bold end"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScanner()
			assert.Equal(t, tt.want, s.Feed([]byte(tt.input)))
		})
	}
}

func TestScannerEscapeSplitAcrossChunks(t *testing.T) {
	s := NewScanner()
	lines := feedAll(s, "\x1b[3", "1mred\x1b[", "0m\n")
	assert.Equal(t, []string{"red"}, lines)
}

func TestScannerBackspaceEdits(t *testing.T) {
	s := NewScanner()
	lines := feedAll(s, "abcd\b\b!\n")
	assert.Equal(t, []string{"ab!"}, lines)
}

func TestScannerBackspaceRemovesWholeRune(t *testing.T) {
	s := NewScanner()
	lines := feedAll(s, "aé\bb\n")
	assert.Equal(t, []string{"ab"}, lines)
}

func TestScannerUTF8SplitAcrossChunks(t *testing.T) {
	s := NewScanner()
	raw := []byte("你好\n")
	var lines []string
	for _, b := range raw {
		lines = append(lines, s.Feed([]byte{b})...)
	}
	assert.Equal(t, []string{"你好"}, lines)
}

func TestScannerTailHoldsPrompt(t *testing.T) {
	s := NewScanner()
	lines := s.Feed([]byte("Continue? (y/n): "))
	assert.Empty(t, lines)
	assert.Equal(t, "Continue? (y/n): ", s.Tail())
}

func TestScannerFlush(t *testing.T) {
	s := NewScanner()
	s.Feed([]byte("partial output"))

	line, ok := s.Flush()
	require.True(t, ok)
	assert.Equal(t, "partial output", line)

	_, ok = s.Flush()
	assert.False(t, ok)
}

func TestScannerLongLineSplit(t *testing.T) {
	s := NewScanner()
	lines := s.Feed([]byte(strings.Repeat("x", maxLineBytes+10)))
	require.Len(t, lines, 1)
	assert.Len(t, lines[0], maxLineBytes)
	assert.Len(t, s.Tail(), 10)
}

func TestScannerDropsOtherControls(t *testing.T) {
	s := NewScanner()
	lines := feedAll(s, "a\x00b\x07c\n")
	assert.Equal(t, []string{"abc"}, lines)
}

func TestScannerTabPreserved(t *testing.T) {
	s := NewScanner()
	lines := feedAll(s, "col1\tcol2\n")
	assert.Equal(t, []string{"col1\tcol2"}, lines)
}
