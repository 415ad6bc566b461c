// Package transcript archives session output to per-session files under
// the data directory.
//
// Features:
//   - One append-only transcript per session, JSON lines
//   - gzip, zstd, or plain encoding per configuration
//   - Closed and fsynced when the session ends
//   - Retention sweep deletes archives past the configured age
//
// Writers are nil-safe: when archiving is disabled Open returns a nil
// Writer and every method on it is a no-op, so callers never branch.
package transcript
