// Package monitoring provides Prometheus metrics for the daemon.
//
// Metrics cover the full session lifecycle and the attention pipeline:
//   - Sessions: active gauge, created/evicted/failed counters
//   - Output: ingested bytes/lines, ring evictions, dropped subscriber events
//   - Attention: raised/cleared counters by category, queue depth gauge
//   - Resources: sample pass duration, throttled sessions gauge
//   - HTTP/WS: request counters and latency histograms via gin middleware
//
// All metrics are registered through promauto on the default registry and
// exposed on GET /metrics.
package monitoring
