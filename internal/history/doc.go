// Package history journals completed sessions to SQLite. One row is
// written per session when it reaches a terminal state; the journal
// feeds the history endpoint and the list --all CLI verb.
//
// The journal is optional. When disabled, or when the database cannot
// be opened, the daemon runs without it: Open returns a nil Journal and
// all methods on a nil Journal are no-ops.
package history
