package types

import "time"

// SessionState represents session lifecycle states
type SessionState string

const (
	StateSpawning        SessionState = "spawning"
	StateRunning         SessionState = "running"
	StateIdle            SessionState = "idle"
	StateWaitingForInput SessionState = "waiting_for_input"
	StateError           SessionState = "error"
	StateTerminating     SessionState = "terminating"
	StateTerminated      SessionState = "terminated"
	StateFailed          SessionState = "failed"
)

// Terminal reports whether the state is absorbing.
func (s SessionState) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// AcceptsInput reports whether input can still be forwarded to the session.
func (s SessionState) AcceptsInput() bool {
	switch s {
	case StateRunning, StateIdle, StateWaitingForInput, StateSpawning:
		return true
	default:
		return false
	}
}

// ResourceUsage is the latest usage snapshot published on summaries.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	OutputRate float64 `json:"output_rate"` // bytes per second
}

// ResourceSample is a point-in-time usage reading for one session.
// Samples are appended to a short rolling history owned by the resource
// monitor and are never shared mutably outside it.
type ResourceSample struct {
	At         time.Time `json:"at"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	OutputRate float64   `json:"output_rate"`
}

// Action is a resource recommendation for one session.
type Action string

const (
	ActionNone     Action = "none"
	ActionThrottle Action = "throttle"
	ActionEvict    Action = "evict"
)

// SessionSummary is the public representation of a live session.
type SessionSummary struct {
	ID           string        `json:"id"`
	Label        string        `json:"label,omitempty"`
	Command      string        `json:"command"`
	Args         []string      `json:"args,omitempty"`
	WorkingDir   string        `json:"working_dir"`
	PID          int           `json:"pid,omitempty"`
	State        SessionState  `json:"state"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Attention    bool          `json:"attention"`
	Priority     float64       `json:"priority,omitempty"`
	Usage        ResourceUsage `json:"usage"`
}

// EndReason explains why a session left the pool.
type EndReason string

const (
	EndExited    EndReason = "exited"
	EndDestroyed EndReason = "destroyed"
	EndEvicted   EndReason = "evicted"
	EndFailed    EndReason = "failed"
)

// SessionRecord is the journal row written when a session ends.
type SessionRecord struct {
	ID             string    `json:"id"`
	Label          string    `json:"label,omitempty"`
	Command        string    `json:"command"`
	Args           []string  `json:"args,omitempty"`
	WorkingDir     string    `json:"working_dir"`
	CreatedAt      time.Time `json:"created_at"`
	EndedAt        time.Time `json:"ended_at"`
	ExitCode       int       `json:"exit_code"`
	EndReason      EndReason `json:"end_reason"`
	AttentionCount int       `json:"attention_count"`
	PeakRSSBytes   uint64    `json:"peak_rss_bytes"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
}
