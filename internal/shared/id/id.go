// Package id provides centralized ID generation for the daemon.
//
// This package offers type-safe ULID generation with:
//   - Lexicographic sortability: session listings order by creation time
//   - Prefixed types: type-specific prefixes for debugging (sess_*, sub_*, req_*)
//   - Type safety: separate types prevent ID misuse
//   - Compatibility: plain strings on the wire, typed at creation sites
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// SessionID identifies a terminal session
type SessionID string

// SubscriberID identifies an attention-stream subscriber
type SubscriberID string

// RequestID identifies an API request
type RequestID string

// ============================================================================
// ID Prefixes (for debugging and type identification)
// ============================================================================

const (
	SessionPrefix    = "sess"
	SubscriberPrefix = "sub"
	RequestPrefix    = "req"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	// Default generator with cryptographically secure entropy
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewSubscriberID generates a new subscriber ID
func NewSubscriberID() SubscriberID {
	return SubscriberID(Default().GenerateWithPrefix(SubscriberPrefix))
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// ============================================================================
// Type Conversion and Validation
// ============================================================================

// String methods for ID types
func (id SessionID) String() string    { return string(id) }
func (id SubscriberID) String() string { return string(id) }
func (id RequestID) String() string    { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// IsSessionID checks if a string is a well-formed session ID
func IsSessionID(s string) bool {
	rest, ok := strings.CutPrefix(s, SessionPrefix+"_")
	return ok && IsValid(rest)
}
