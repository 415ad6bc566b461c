package attention

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

// QueueConfig tunes starvation aging and acknowledge suppression.
type QueueConfig struct {
	AgingRate   float64       // priority points credited per second of age
	AgingCap    time.Duration // age beyond this earns no further boost
	AckDebounce time.Duration // suppression window after an acknowledge
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.AgingRate <= 0 {
		c.AgingRate = 0.2
	}
	if c.AgingCap <= 0 {
		c.AgingCap = 60 * time.Second
	}
	if c.AckDebounce <= 0 {
		c.AckDebounce = 500 * time.Millisecond
	}
	return c
}

type queueItem struct {
	req       types.AttentionRequest
	base      float64
	effective float64
	seq       uint64
	index     int
}

// requestHeap orders by effective priority, then by creation time for
// FIFO fairness between equal priorities, then by insertion order.
type requestHeap []*queueItem

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].effective != h[j].effective {
		return h[i].effective > h[j].effective
	}
	if !h[i].req.CreatedAt.Equal(h[j].req.CreatedAt) {
		return h[i].req.CreatedAt.Before(h[j].req.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is the cross-session ranking of active attention requests.
// One request per session at most; enqueue, peek, acknowledge and tick
// are linearized under a single lock and cost O(log n) or better,
// invoked once per state transition rather than per byte.
type Queue struct {
	mu    sync.Mutex
	cfg   QueueConfig
	items requestHeap
	index map[string]*queueItem
	acked map[string]time.Time
	seq   uint64
}

// NewQueue creates an empty queue.
func NewQueue(cfg QueueConfig) *Queue {
	return &Queue{
		cfg:   cfg.withDefaults(),
		index: make(map[string]*queueItem),
		acked: make(map[string]time.Time),
	}
}

func (q *Queue) boost(age time.Duration) float64 {
	if age <= 0 {
		return 0
	}
	if age > q.cfg.AgingCap {
		age = q.cfg.AgingCap
	}
	return age.Seconds() * q.cfg.AgingRate
}

// EnqueueOrRefresh inserts a request or updates the existing one for
// the same session, keeping the original creation time. It reports
// false when the session was acknowledged within the debounce window
// and the request is suppressed. The returned request carries the
// effective priority.
func (q *Queue) EnqueueOrRefresh(now time.Time, req types.AttentionRequest) (types.AttentionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ackAt, ok := q.acked[req.SessionID]; ok {
		if now.Sub(ackAt) < q.cfg.AckDebounce {
			return types.AttentionRequest{}, false
		}
		delete(q.acked, req.SessionID)
	}

	if item, ok := q.index[req.SessionID]; ok {
		item.base = req.Priority
		item.req.Category = req.Category
		item.req.Confidence = req.Confidence
		item.req.RefreshedAt = now
		item.effective = item.base + q.boost(now.Sub(item.req.CreatedAt))
		item.req.Priority = item.effective
		heap.Fix(&q.items, item.index)
		return item.req, true
	}

	item := &queueItem{req: req, base: req.Priority, seq: q.seq}
	q.seq++
	if item.req.CreatedAt.IsZero() {
		item.req.CreatedAt = now
	}
	item.effective = item.base + q.boost(now.Sub(item.req.CreatedAt))
	item.req.Priority = item.effective
	q.index[req.SessionID] = item
	heap.Push(&q.items, item)
	return item.req, true
}

// PeekHighest returns the request with the greatest effective priority
// without removing it.
func (q *Queue) PeekHighest() (types.AttentionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return types.AttentionRequest{}, false
	}
	return q.items[0].req, true
}

// Acknowledge removes the session's request because the user focused
// it, and starts the debounce that suppresses an immediate re-raise.
// Idempotent: acknowledging an absent session is a no-op.
func (q *Queue) Acknowledge(now time.Time, sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.acked[sessionID] = now

	item, ok := q.index[sessionID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.index, sessionID)
	return true
}

// Remove drops the session's request without starting the acknowledge
// debounce. Used when a session resumes output on its own, receives
// input, or terminates.
func (q *Queue) Remove(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.index[sessionID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.index, sessionID)
	return true
}

// Tick recomputes aging boosts so an old low-priority request cannot
// be starved forever by a stream of fresh high-priority ones.
func (q *Queue) Tick(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		item.effective = item.base + q.boost(now.Sub(item.req.CreatedAt))
		item.req.Priority = item.effective
	}
	heap.Init(&q.items)

	for sid, at := range q.acked {
		if now.Sub(at) >= q.cfg.AckDebounce {
			delete(q.acked, sid)
		}
	}
}

// Snapshot returns all pending requests, highest effective priority
// first.
func (q *Queue) Snapshot() []types.AttentionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.AttentionRequest, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
