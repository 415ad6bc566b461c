// Package attention decides when a session needs a human. It holds the
// per-session state machine that classifies terminal output, the rule
// table it matches against, and the cross-session priority queue that
// ranks pending requests.
//
// Features:
//   - Per-session finite state machine (running, idle, waiting, error)
//   - Rule-based prompt and error detection over a bounded tail window
//   - Settle windows so mid-burst prompt lookalikes do not fire
//   - Longest-match-wins tie-breaking across overlapping rules
//   - Starvation-aware priority queue with time-based aging
//   - Acknowledge debounce so a focused session stays quiet briefly
//
// Architecture:
//   - RuleSet is an immutable compiled pattern table, swapped on reload
//   - Machine consumes OutputEvents plus the unterminated tail and
//     returns effects (state changes, raises, clears) for the pool
//   - Queue linearizes enqueue/peek/acknowledge/tick under one lock
//   - All methods take explicit times, so tests drive the clock
//
// The machine and queue are pure in-memory classifiers. They have no
// fallible operations and never return errors.
package attention
