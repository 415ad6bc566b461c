package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. All recording methods accept a
// nil receiver and discard the observation, so components never branch
// on metrics being enabled.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsEnded  *prometheus.CounterVec
	SpawnFailures  *prometheus.CounterVec

	// Output metrics
	OutputBytes    *prometheus.CounterVec
	OutputLines    *prometheus.CounterVec
	RingEvictions  prometheus.Counter
	DroppedEvents  prometheus.Counter

	// Attention metrics
	AttentionRaised  *prometheus.CounterVec
	AttentionCleared *prometheus.CounterVec
	QueueDepth       prometheus.Gauge

	// Resource metrics
	SampleDuration    prometheus.Histogram
	ThrottledSessions prometheus.Gauge
	PoolRSSBytes      prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		// Session metrics
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_sessions_active",
				Help: "Number of live sessions in the pool",
			},
		),
		SessionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "switchboard_sessions_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsEnded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_sessions_ended_total",
				Help: "Total number of sessions ended",
			},
			[]string{"reason"},
		),
		SpawnFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_spawn_failures_total",
				Help: "Total number of spawn failures",
			},
			[]string{"kind"},
		),

		// Output metrics
		OutputBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_output_bytes_total",
				Help: "Total raw bytes read from session PTYs",
			},
			[]string{"session_id"},
		),
		OutputLines: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_output_lines_total",
				Help: "Total classified output lines",
			},
			[]string{"kind"},
		),
		RingEvictions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "switchboard_ring_evictions_total",
				Help: "Total output events evicted from bounded rings",
			},
		),
		DroppedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "switchboard_dropped_events_total",
				Help: "Total attention events dropped on slow subscribers",
			},
		),

		// Attention metrics
		AttentionRaised: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_attention_raised_total",
				Help: "Total attention requests raised",
			},
			[]string{"category"},
		),
		AttentionCleared: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_attention_cleared_total",
				Help: "Total attention requests cleared",
			},
			[]string{"cause"},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_attention_queue_depth",
				Help: "Number of pending attention requests",
			},
		),

		// Resource metrics
		SampleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "switchboard_sample_duration_seconds",
				Help:    "Duration of resource sampling passes",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
			},
		),
		ThrottledSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_throttled_sessions",
				Help: "Number of sessions currently read-throttled",
			},
		),
		PoolRSSBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_pool_rss_bytes",
				Help: "Aggregate resident memory of all session processes",
			},
		),

		// WebSocket metrics
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_uptime_seconds",
				Help: "Daemon uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSessionCreated records a session entering the pool
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session leaving the pool
func (m *Metrics) RecordSessionEnd(reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
}

// RecordSpawnFailure records a spawn failure by kind
func (m *Metrics) RecordSpawnFailure(kind string) {
	if m == nil {
		return
	}
	m.SpawnFailures.WithLabelValues(kind).Inc()
}

// RecordOutput records ingested output for one session
func (m *Metrics) RecordOutput(sessionID string, bytes int) {
	if m == nil {
		return
	}
	m.OutputBytes.WithLabelValues(sessionID).Add(float64(bytes))
}

// RecordLine records one classified output line
func (m *Metrics) RecordLine(kind string) {
	if m == nil {
		return
	}
	m.OutputLines.WithLabelValues(kind).Inc()
}

// RecordRingEvictions records output events evicted from a ring
func (m *Metrics) RecordRingEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RingEvictions.Add(float64(n))
}

// RecordDroppedEvent records an event dropped on a slow subscriber
func (m *Metrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.DroppedEvents.Inc()
}

// RecordAttentionRaised records a raised attention request
func (m *Metrics) RecordAttentionRaised(category string) {
	if m == nil {
		return
	}
	m.AttentionRaised.WithLabelValues(category).Inc()
}

// RecordAttentionCleared records a cleared attention request
func (m *Metrics) RecordAttentionCleared(cause string) {
	if m == nil {
		return
	}
	m.AttentionCleared.WithLabelValues(cause).Inc()
}

// SetQueueDepth sets the pending attention request gauge
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveSamplePass records the duration of one resource sampling pass
func (m *Metrics) ObserveSamplePass(duration time.Duration) {
	if m == nil {
		return
	}
	m.SampleDuration.Observe(duration.Seconds())
}

// SetThrottledSessions sets the read-throttled session gauge
func (m *Metrics) SetThrottledSessions(n int) {
	if m == nil {
		return
	}
	m.ThrottledSessions.Set(float64(n))
}

// SetPoolRSS sets the aggregate resident memory gauge
func (m *Metrics) SetPoolRSS(bytes uint64) {
	if m == nil {
		return
	}
	m.PoolRSSBytes.Set(float64(bytes))
}

// ForgetSession drops per-session labeled series after teardown
func (m *Metrics) ForgetSession(sessionID string) {
	if m == nil {
		return
	}
	m.OutputBytes.DeleteLabelValues(sessionID)
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
