package types

import "time"

// LineKind classifies one line of terminal output.
type LineKind string

const (
	LinePrompt     LineKind = "prompt"
	LineCommand    LineKind = "command"
	LineStdout     LineKind = "stdout"
	LineStderr     LineKind = "stderr" // heuristic: PTYs merge streams, stderr is inferred from error indicators
	LineSystemNote LineKind = "system_note"
)

// OutputEvent is one classified line of terminal output.
// Events are immutable after creation and retained only within the
// session's bounded ring; oldest events are evicted under pressure.
type OutputEvent struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Offset    int64     `json:"offset"` // raw-stream position of the chunk that completed the line
	Time      time.Time `json:"time"`
	Kind      LineKind  `json:"kind"`
	Line      string    `json:"line"` // ANSI-stripped text
}

// AttentionCategory classifies why a session needs attention.
type AttentionCategory string

const (
	CategoryInputPrompt  AttentionCategory = "input_prompt"
	CategoryChoicePrompt AttentionCategory = "choice_prompt"
	CategoryErrorHalt    AttentionCategory = "error_halt"
	CategoryEvictNotice  AttentionCategory = "evict_notice"
	CategoryTerminated   AttentionCategory = "terminated"
)

// AttentionRequest represents a pending "needs human input" signal.
// At most one active request exists per session; a re-detection refreshes
// the existing request instead of creating a second one.
type AttentionRequest struct {
	SessionID   string            `json:"session_id"`
	Category    AttentionCategory `json:"category"`
	Confidence  float64           `json:"confidence"`
	Priority    float64           `json:"priority"` // effective priority at emission time
	CreatedAt   time.Time         `json:"timestamp"`
	RefreshedAt time.Time         `json:"refreshed_at,omitempty"`
}

// AttentionEventType distinguishes notifications on the subscriber stream.
type AttentionEventType string

const (
	EventRaised       AttentionEventType = "raised"
	EventRefreshed    AttentionEventType = "refreshed"
	EventCleared      AttentionEventType = "cleared"
	EventTerminated   AttentionEventType = "terminated"
	EventEvictWarning AttentionEventType = "evict_warning"
)

// AttentionEvent is the envelope delivered to subscribers.
type AttentionEvent struct {
	Event     AttentionEventType `json:"event"`
	SessionID string             `json:"session_id"`
	Label     string             `json:"label,omitempty"`
	State     SessionState       `json:"state"`
	Category  AttentionCategory  `json:"category"`
	Priority  float64            `json:"priority"`
	Timestamp time.Time          `json:"timestamp"`
}
