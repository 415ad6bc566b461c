package resource

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

// trendSpan is how many trailing samples the burst test considers. At
// the 1s sampling cadence this is a five second decision window.
const (
	trendSpan       = 5
	minTrendSamples = 3
)

// Candidate is the pool's view of one session, used for eviction
// ordering. The view callback returns one per live session.
type Candidate struct {
	SessionID    string
	State        types.SessionState
	CreatedAt    time.Time
	LastAttended time.Time
}

// View supplies the current pool state. It is always called without the
// monitor lock held, so implementations may take their own locks.
type View func() []Candidate

// target is one tracked process.
type target struct {
	pid   int
	bytes func() int64
}

// window is the rolling sample history for one session.
type window struct {
	samples   []types.ResourceSample
	lastCPU   float64
	lastBytes int64
	lastAt    time.Time
	primed    bool
	peakRSS   uint64
}

// Monitor samples tracked sessions and recommends pool actions.
type Monitor struct {
	mu      sync.Mutex
	sampler Sampler
	cfg     config.ResourceConfig
	view    View
	log     *logging.Logger
	targets map[string]target
	windows map[string]*window
}

// NewMonitor creates a monitor. A nil view means no session is ever an
// eviction candidate.
func NewMonitor(sampler Sampler, cfg config.ResourceConfig, view View, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.HistoryWindow < 1 {
		cfg.HistoryWindow = 60
	}
	return &Monitor{
		sampler: sampler,
		cfg:     cfg,
		view:    view,
		log:     log.Named("resource"),
		targets: make(map[string]target),
		windows: make(map[string]*window),
	}
}

// Track starts sampling a session's process. bytes reports the
// cumulative output bytes ingested for the session; nil disables the
// output-rate channel.
func (m *Monitor) Track(sessionID string, pid int, bytes func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[sessionID] = target{pid: pid, bytes: bytes}
	m.windows[sessionID] = &window{}
}

// Untrack stops sampling a session and drops its history.
func (m *Monitor) Untrack(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, sessionID)
	delete(m.windows, sessionID)
}

// SampleAll reads the process table once for every tracked session and
// returns the new samples plus the sessions whose processes could not
// be read. Failed sessions are dropped from tracking; the caller marks
// them terminated. A failure never aborts the pass for other sessions.
func (m *Monitor) SampleAll(now time.Time) (map[string]types.ResourceSample, []string) {
	type job struct {
		id        string
		tgt       target
		lastCPU   float64
		lastBytes int64
		lastAt    time.Time
		primed    bool
	}

	m.mu.Lock()
	jobs := make([]job, 0, len(m.targets))
	for id, tgt := range m.targets {
		w := m.windows[id]
		jobs = append(jobs, job{
			id:        id,
			tgt:       tgt,
			lastCPU:   w.lastCPU,
			lastBytes: w.lastBytes,
			lastAt:    w.lastAt,
			primed:    w.primed,
		})
	}
	m.mu.Unlock()

	samples := make(map[string]types.ResourceSample, len(jobs))
	var failed []string
	cpuNow := make(map[string]float64, len(jobs))
	bytesNow := make(map[string]int64, len(jobs))

	for _, j := range jobs {
		cpuSec, rss, err := m.sampler.Sample(j.tgt.pid)
		if err != nil {
			m.log.Warn("Sampling failed",
				zap.String("session_id", j.id),
				zap.Int("pid", j.tgt.pid),
				zap.Error(err))
			failed = append(failed, j.id)
			continue
		}

		var bytes int64
		if j.tgt.bytes != nil {
			bytes = j.tgt.bytes()
		}

		sample := types.ResourceSample{At: now, RSSBytes: rss}
		if j.primed {
			wall := now.Sub(j.lastAt).Seconds()
			if wall > 0 {
				sample.CPUPercent = clampNonNegative((cpuSec - j.lastCPU) / wall * 100)
				sample.OutputRate = clampNonNegative(float64(bytes-j.lastBytes) / wall)
			}
		}

		samples[j.id] = sample
		cpuNow[j.id] = cpuSec
		bytesNow[j.id] = bytes
	}

	m.mu.Lock()
	for id, sample := range samples {
		w, ok := m.windows[id]
		if !ok {
			continue // untracked mid-pass
		}
		w.samples = append(w.samples, sample)
		if len(w.samples) > m.cfg.HistoryWindow {
			w.samples = w.samples[len(w.samples)-m.cfg.HistoryWindow:]
		}
		w.lastCPU = cpuNow[id]
		w.lastBytes = bytesNow[id]
		w.lastAt = now
		w.primed = true
		if sample.RSSBytes > w.peakRSS {
			w.peakRSS = sample.RSSBytes
		}
	}
	for _, id := range failed {
		delete(m.targets, id)
		delete(m.windows, id)
	}
	m.mu.Unlock()

	return samples, failed
}

// Recommend returns the action the pool should take for a session.
// Evict requires aggregate memory over the cap and the session being
// the current eviction candidate. Throttle requires a sustained output
// burst in the trailing trend window.
func (m *Monitor) Recommend(sessionID string) types.Action {
	m.mu.Lock()
	w := m.windows[sessionID]
	over := m.cfg.MemoryCapBytes > 0 && m.aggregateLocked() > m.cfg.MemoryCapBytes
	throttle := w != nil && m.burstLocked(w)
	m.mu.Unlock()

	if over {
		if victim, ok := m.EvictionCandidate(); ok && victim == sessionID {
			return types.ActionEvict
		}
	}
	if throttle {
		return types.ActionThrottle
	}
	return types.ActionNone
}

// EvictionCandidate returns the least recently attended idle session.
// Sessions waiting for input or otherwise active are never candidates.
// A session never attended counts as attended at its creation.
func (m *Monitor) EvictionCandidate() (string, bool) {
	if m.view == nil {
		return "", false
	}

	var victim string
	var victimAt, victimCreated time.Time
	for _, c := range m.view() {
		if c.State != types.StateIdle {
			continue
		}
		at := c.LastAttended
		if at.IsZero() {
			at = c.CreatedAt
		}
		if victim == "" ||
			at.Before(victimAt) ||
			(at.Equal(victimAt) && c.CreatedAt.Before(victimCreated)) {
			victim = c.SessionID
			victimAt = at
			victimCreated = c.CreatedAt
		}
	}
	return victim, victim != ""
}

// AggregateRSS sums the latest resident memory across all sessions.
func (m *Monitor) AggregateRSS() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregateLocked()
}

// Usage returns the latest snapshot for a session.
func (m *Monitor) Usage(sessionID string) (types.ResourceUsage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windows[sessionID]
	if w == nil || len(w.samples) == 0 {
		return types.ResourceUsage{}, false
	}
	last := w.samples[len(w.samples)-1]
	return types.ResourceUsage{
		CPUPercent: last.CPUPercent,
		RSSBytes:   last.RSSBytes,
		OutputRate: last.OutputRate,
	}, true
}

// History returns a copy of the sample window for a session,
// oldest first.
func (m *Monitor) History(sessionID string) []types.ResourceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windows[sessionID]
	if w == nil {
		return nil
	}
	out := make([]types.ResourceSample, len(w.samples))
	copy(out, w.samples)
	return out
}

// PeakRSS returns the highest resident memory seen for a session.
func (m *Monitor) PeakRSS(sessionID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w := m.windows[sessionID]; w != nil {
		return w.peakRSS
	}
	return 0
}

func (m *Monitor) aggregateLocked() uint64 {
	var total uint64
	for _, w := range m.windows {
		if len(w.samples) > 0 {
			total += w.samples[len(w.samples)-1].RSSBytes
		}
	}
	return total
}

// burstLocked runs the trend test over the trailing samples. The mean
// must exceed the burst threshold and the slope must not be falling.
func (m *Monitor) burstLocked(w *window) bool {
	n := len(w.samples)
	if n < minTrendSamples || m.cfg.BurstBytesRate <= 0 {
		return false
	}
	span := w.samples
	if n > trendSpan {
		span = span[n-trendSpan:]
	}

	xs := make([]float64, len(span))
	ys := make([]float64, len(span))
	base := span[0].At
	for i, s := range span {
		xs[i] = s.At.Sub(base).Seconds()
		ys[i] = s.OutputRate
	}

	mean := stat.Mean(ys, nil)
	if mean <= m.cfg.BurstBytesRate {
		return false
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(slope) {
		slope = 0
	}
	return slope >= 0
}

func clampNonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
