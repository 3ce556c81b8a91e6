package progress

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HubConfig controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 256).
//   - MaxBatch: flush once this many snapshots queue (default 64).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 5s).
//   - Logger: optional structured logger used for warnings.
type HubConfig struct {
	BufferSize   int
	MaxBatch     int
	MaxBatchWait time.Duration
	SinkTimeout  time.Duration
	Logger       *zap.Logger
}

const (
	defaultHubBufferSize   = 256
	defaultHubMaxBatch     = 64
	defaultHubMaxBatchWait = 250 * time.Millisecond
	defaultHubSinkTimeout  = 5 * time.Second
	dropLogInterval        = 5 * time.Second
)

// Hub decouples the sync client's event loop from slow sinks. Observe never
// blocks; snapshots are batched on a background goroutine.
type Hub struct {
	cfg       HubConfig
	sinks     []Sink
	snapshots chan ViewModel
	stopCh    chan struct{}
	doneCh    chan struct{}
	logger    *zap.Logger
	dropLog   rate.Sometimes
	dropped   atomic.Int64
	closed    atomic.Bool

	lastMu sync.Mutex
	last   map[string]ViewModel

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub forwarding to sinks.
func NewHub(cfg HubConfig, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultHubBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultHubMaxBatch
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultHubMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultHubSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:       cfg,
		sinks:     append([]Sink(nil), sinks...),
		snapshots: make(chan ViewModel, cfg.BufferSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    logger,
		dropLog:   rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Observe enqueues a snapshot. Snapshots that differ from the previous one for
// the same job only in elapsed time are skipped. If the buffer is full the
// snapshot is dropped and a rate-limited warning is logged.
func (h *Hub) Observe(vm ViewModel) {
	if h == nil || h.closed.Load() {
		return
	}
	vm = vm.Clone()
	if h.elapsedOnly(vm) {
		return
	}
	select {
	case h.snapshots <- vm:
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("view model snapshots dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// elapsedOnly records vm as the latest snapshot for its job and reports
// whether it only advanced the local elapsed-time clock.
func (h *Hub) elapsedOnly(vm ViewModel) bool {
	h.lastMu.Lock()
	defer h.lastMu.Unlock()
	if h.last == nil {
		h.last = make(map[string]ViewModel)
	}
	prev, ok := h.last[vm.JobID]
	h.last[vm.JobID] = vm
	if !ok {
		return false
	}
	prev.ElapsedTime = vm.ElapsedTime
	prev.UpdatedAt = vm.UpdatedAt
	return reflect.DeepEqual(prev, vm)
}

// Close drains buffered snapshots, flushes and closes sinks, and waits for the
// background goroutine. Subsequent calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]ViewModel, 0, h.cfg.MaxBatch)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()
	for {
		select {
		case vm := <-h.snapshots:
			batch = append(batch, vm)
			if len(batch) >= h.cfg.MaxBatch {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []ViewModel) {
	for {
		select {
		case vm := <-h.snapshots:
			batch = append(batch, vm)
		default:
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []ViewModel) {
	if len(batch) == 0 {
		return
	}
	out := append([]ViewModel(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
