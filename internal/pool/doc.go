// Package pool orchestrates the collection of live terminal sessions.
//
// The manager is the only component that holds raw terminal handles;
// everything outside it sees session summaries, output event snapshots
// and the attention stream.
//
// Features:
//   - Session lifecycle: spawn behind a circuit breaker, bounded
//     capacity with LRU-among-idle eviction, graceful destroy
//   - Attention routing: per-session state machines feed the shared
//     priority queue; raise/clear/terminate events fan out to
//     subscribers with per-subscriber drop on backpressure
//   - Resource control: periodic sampling drives read throttling and
//     two-phase memory eviction (warning pass, then the kill)
//   - Project rules: per-workdir pattern files merge into each
//     session's rule table and hot-reload on change
//   - Durability: output lines stream to transcripts, completed
//     sessions land in the history journal
//
// Architecture:
//   - One goroutine per session runs the read loop (read, ingest,
//     observe); it never holds pool state across a blocking read
//   - A fast ticker advances the state machines; a slow ticker samples
//     resources and ages the queue
//   - Exactly one terminated event per session reaches subscribers,
//     even when destroy races natural exit
package pool
