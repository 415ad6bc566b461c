// Package resource samples per-session process usage and turns it into
// eviction and throttling recommendations for the pool.
//
// Features:
//   - Periodic sampling from the OS process table, never the child itself
//   - CPU percent from utime+stime deltas, RSS from the stat line
//   - Output rate from the pool's ingest counters
//   - Rolling per-session history window for trend decisions
//   - Burst detection on window mean and slope, so a decaying burst
//     does not re-trigger throttling
//   - Least-recently-attended eviction among idle sessions only
//
// Architecture:
//   - Sampler abstracts the process table; ProcSampler reads /proc
//   - Monitor owns all windows under one lock and is safe for use from
//     the sampling ticker and request handlers concurrently
//   - Pool state (session states, attended times) comes in through a
//     view callback, so the monitor never reaches into the pool
//
// A sampling failure for one session is isolated: the session is
// reported in the failed list of that pass and dropped from tracking,
// and the pass continues for every other session.
package resource
