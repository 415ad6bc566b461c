// Package types provides shared data structures for the switchboard daemon.
//
// This package defines core types used across all components, ensuring
// consistent data structures on both the in-process and wire boundaries.
//
// Core Types:
//   - SessionState: session lifecycle enum (spawning, running, idle, ...)
//   - OutputEvent: one classified line of terminal output
//   - AttentionRequest: a pending "needs human input" signal
//   - AttentionEvent: subscriber-facing notification envelope
//   - SessionSummary: public snapshot of a live session
//   - SessionRecord: journal row for a completed session
//   - ResourceSample: point-in-time CPU/memory/output reading
//
// State Management:
//   - Lifecycle transitions form a strict DAG with the single cycle
//     running <-> idle <-> waiting_for_input; terminated and failed are
//     absorbing states
//   - Action: resource recommendation enum (none, throttle, evict)
package types
