package live

import (
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/analysis-progress/internal/progress"
)

// QualityMonitor tracks a rolling window of heartbeat outcomes. A heartbeat
// succeeds when its pong arrives within the latency threshold; a pong that is
// late, or missing past the heartbeat timeout, counts as a failure.
type QualityMonitor struct {
	mu        sync.Mutex
	window    []bool
	next      int
	filled    int
	goodRatio float64
	latency   time.Duration
	timeout   time.Duration
	connected bool
	seq       uint64
	pending   map[string]time.Time
}

// NewQualityMonitor builds a monitor over the last size heartbeats.
func NewQualityMonitor(size int, goodRatio float64, latency, timeout time.Duration) *QualityMonitor {
	if size <= 0 {
		size = 1
	}
	return &QualityMonitor{
		window:    make([]bool, size),
		goodRatio: goodRatio,
		latency:   latency,
		timeout:   timeout,
		pending:   make(map[string]time.Time),
	}
}

// Connected starts a fresh measurement window for a new connection.
func (q *QualityMonitor) Connected() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connected = true
	q.next, q.filled = 0, 0
	clear(q.pending)
}

// Disconnected marks the channel down.
func (q *QualityMonitor) Disconnected() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connected = false
	clear(q.pending)
}

// Sent registers an outgoing heartbeat and returns its payload.
func (q *QualityMonitor) Sent(now time.Time) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	payload := strconv.FormatUint(q.seq, 10)
	q.pending[payload] = now
	return payload
}

// Pong records the reply to the heartbeat carrying payload. Unknown payloads
// (already expired, or from a previous connection) are ignored.
func (q *QualityMonitor) Pong(payload string, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sent, ok := q.pending[payload]
	if !ok {
		return
	}
	delete(q.pending, payload)
	q.record(now.Sub(sent) <= q.latency)
}

// Expire counts heartbeats without a pong after the timeout as failures.
func (q *QualityMonitor) Expire(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for payload, sent := range q.pending {
		if now.Sub(sent) >= q.timeout {
			delete(q.pending, payload)
			q.record(false)
		}
	}
}

// Record adds one heartbeat outcome directly.
func (q *QualityMonitor) Record(ok bool) progress.Quality {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record(ok)
	return q.quality()
}

// Quality reports good, poor, or none for the current window.
func (q *QualityMonitor) Quality() progress.Quality {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quality()
}

func (q *QualityMonitor) record(ok bool) {
	q.window[q.next] = ok
	q.next = (q.next + 1) % len(q.window)
	if q.filled < len(q.window) {
		q.filled++
	}
}

func (q *QualityMonitor) quality() progress.Quality {
	if !q.connected {
		return progress.QualityNone
	}
	if q.filled == 0 {
		return progress.QualityGood
	}
	good := 0
	for i := 0; i < q.filled; i++ {
		if q.window[i] {
			good++
		}
	}
	if float64(good)/float64(q.filled) >= q.goodRatio {
		return progress.QualityGood
	}
	return progress.QualityPoor
}
