package terminal

import (
	"unicode/utf8"
)

// Lines longer than this are broken into multiple events so a process
// that never emits a newline cannot grow the accumulator unboundedly.
const maxLineBytes = 16 * 1024

// escState tracks position inside an ANSI escape sequence: outside any
// sequence, after a bare ESC, inside a CSI body, inside an OSC payload,
// or after an ESC within an OSC payload (a possible ST terminator).
type escState int

const (
	escNone escState = iota
	escIntro
	escCSI
	escOSC
	escOSCEsc
)

// Scanner converts a raw PTY byte stream into clean text lines. It strips
// ANSI escape sequences, applies backspace edits, treats a bare carriage
// return as a progress-frame terminator and carries partial lines and
// partial escape sequences across chunk boundaries.
//
// Line breaks only occur on \n, \r and the length cap. Those bytes never
// appear inside a UTF-8 multi-byte rune, so runes split across chunks
// reassemble in the accumulator without special handling.
//
// Not safe for concurrent use; the owning Buffer serializes access.
type Scanner struct {
	partial []byte
	esc     escState
	crSeen  bool // last visible byte was a bare \r, next byte decides CRLF vs frame
}

// NewScanner returns a scanner with empty state.
func NewScanner() *Scanner {
	return &Scanner{partial: make([]byte, 0, 256)}
}

// Feed consumes one raw chunk and returns the lines it completed.
func (s *Scanner) Feed(p []byte) []string {
	var lines []string

	for _, b := range p {
		if s.esc != escNone {
			s.esc = s.stepEscape(b)
			continue
		}

		if s.crSeen {
			s.crSeen = false
			if b == '\n' {
				// CRLF: the \r already emitted this line.
				continue
			}
		}

		switch b {
		case 0x1b:
			s.esc = escIntro
		case '\n':
			lines = append(lines, s.take())
		case '\r':
			// Progress-style frame: emit what was drawn, reset the line.
			if len(s.partial) > 0 {
				lines = append(lines, s.take())
			}
			s.crSeen = true
		case '\b', 0x7f:
			s.chopRune()
		case '\t':
			s.partial = append(s.partial, b)
		default:
			if b < 0x20 {
				continue // remaining C0 controls carry no text
			}
			s.partial = append(s.partial, b)
			if len(s.partial) >= maxLineBytes {
				lines = append(lines, s.take())
			}
		}
	}

	return lines
}

// stepEscape advances the escape-sequence state machine by one byte and
// returns the next state. Sequence bytes are always discarded.
func (s *Scanner) stepEscape(b byte) escState {
	switch s.esc {
	case escIntro:
		switch b {
		case '[':
			return escCSI
		case ']':
			return escOSC
		default:
			// Two-byte sequences (ESC M, ESC 7, charset selection, ...)
			// end immediately. A stray ESC before printable text does too.
			return escNone
		}
	case escCSI:
		// Parameter (0x30-0x3f) and intermediate (0x20-0x2f) bytes
		// continue the sequence; a final byte 0x40-0x7e ends it.
		if b >= 0x40 && b <= 0x7e {
			return escNone
		}
		return escCSI
	case escOSC:
		switch b {
		case 0x07:
			return escNone
		case 0x1b:
			return escOSCEsc
		default:
			return escOSC
		}
	case escOSCEsc:
		// ESC \ is the ST terminator; anything else resumes the payload.
		if b == '\\' {
			return escNone
		}
		return escOSC
	}
	return escNone
}

// take returns the accumulated line and resets the accumulator.
func (s *Scanner) take() string {
	line := string(s.partial)
	s.partial = s.partial[:0]
	return line
}

// chopRune removes the last rune from the accumulator (backspace edit).
func (s *Scanner) chopRune() {
	if len(s.partial) == 0 {
		return
	}
	_, size := utf8.DecodeLastRune(s.partial)
	s.partial = s.partial[:len(s.partial)-size]
}

// Tail returns the current unterminated line. Prompts usually end
// without a newline, so pattern matching runs against this.
func (s *Scanner) Tail() string {
	return string(s.partial)
}

// Flush returns any remaining partial line. Called once the stream hits
// EOF so the final unterminated output still becomes an event.
func (s *Scanner) Flush() (string, bool) {
	if len(s.partial) == 0 {
		return "", false
	}
	return s.take(), true
}
