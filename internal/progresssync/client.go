// Package progresssync is the only surface presentation code depends on. A
// Client tracks one job at a time: it starts on the live channel, falls back
// to polling after repeated live failures, folds every event into a
// progress.ViewModel, and notifies subscribers with immutable snapshots.
//
// All events, quality changes, failures, and timer ticks for a tracked job are
// processed sequentially by one goroutine that owns the progress.Reducer.
// Backends post into that goroutine's inbox tagged with a generation number;
// messages from a backend that has since been replaced, or that arrive after
// Disconnect, are discarded.
package progresssync

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/analysis-progress/internal/live"
	"github.com/JakeFAU/analysis-progress/internal/poll"
	"github.com/JakeFAU/analysis-progress/internal/progress"
)

// LiveChannel is the part of *live.Manager the client drives.
type LiveChannel interface {
	Retry()
	Close() error
}

// PollChannel is the part of *poll.Poller the client drives.
type PollChannel interface {
	PollNow()
	Stop()
}

// LiveOpener opens a live channel for jobID reporting to l.
type LiveOpener func(ctx context.Context, jobID string, l live.Listener) (LiveChannel, error)

// PollStarter starts polling jobID, reporting to l.
type PollStarter func(ctx context.Context, jobID string, l poll.Listener) (PollChannel, error)

// Config tunes the client. Live and Poll are passed through to the default
// backends.
type Config struct {
	Live live.Config
	Poll poll.Config
	// FailureThreshold is the number of consecutive live failures that hands
	// the job over to polling.
	FailureThreshold int
	// TickInterval drives local elapsed-time extrapolation.
	TickInterval time.Duration
	InboxSize    int
	Clock        progress.Clock
	Logger       *zap.Logger
}

const (
	defaultFailureThreshold = 3
	defaultTickInterval     = time.Second
	defaultInboxSize        = 64
)

// Option customizes a Client.
type Option func(*Client)

// WithLiveOpener replaces the websocket backend.
func WithLiveOpener(open LiveOpener) Option {
	return func(c *Client) { c.openLive = open }
}

// WithPollStarter replaces the HTTP polling backend.
func WithPollStarter(start PollStarter) Option {
	return func(c *Client) { c.startPoll = start }
}

// WithObserver forwards every published snapshot to o, typically a
// progress.Hub feeding metrics and storage sinks.
func WithObserver(o progress.Observer) Option {
	return func(c *Client) { c.observers = append(c.observers, o) }
}

// Client tracks the progress of one analysis job.
type Client struct {
	cfg       Config
	logger    *zap.Logger
	openLive  LiveOpener
	startPoll PollStarter
	observers []progress.Observer

	// pubMu orders snapshot replacement against Disconnect.
	pubMu    sync.Mutex
	snapshot atomic.Pointer[progress.ViewModel]

	subMu   sync.Mutex
	subs    map[uint64]func(progress.ViewModel)
	nextSub uint64

	mu   sync.Mutex
	sess *session
}

// New constructs an idle Client. Call Track to start following a job.
func New(cfg Config, opts ...Option) *Client {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Live.Logger == nil {
		cfg.Live.Logger = cfg.Logger
	}
	if cfg.Poll.Logger == nil {
		cfg.Poll.Logger = cfg.Logger
	}
	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		subs:   make(map[uint64]func(progress.ViewModel)),
	}
	c.openLive = func(ctx context.Context, jobID string, l live.Listener) (LiveChannel, error) {
		return live.Open(ctx, jobID, c.cfg.Live, l)
	}
	c.startPoll = func(ctx context.Context, jobID string, l poll.Listener) (PollChannel, error) {
		return poll.Start(ctx, jobID, c.cfg.Poll, l)
	}
	for _, opt := range opts {
		opt(c)
	}
	initial := progress.NewReducer(cfg.Clock).Snapshot()
	c.snapshot.Store(&initial)
	return c
}

// Track starts following jobID and returns immediately; progress is observed
// through Subscribe or ViewModel. onComplete, if non-nil, is invoked exactly
// once the first time the job reports completed, with the id of the job that
// completed; after a server-side restart that is the new job's id. Tracking a
// new job replaces the previous one. Cancelling ctx is equivalent to
// Disconnect.
func (c *Client) Track(ctx context.Context, jobID string, onComplete func(jobID string)) error {
	if strings.TrimSpace(jobID) == "" {
		return progress.ErrInvalidJobID
	}
	c.Disconnect()

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		jobID:      jobID,
		onComplete: onComplete,
		ctx:        runCtx,
		cancel:     cancel,
		inbox:      make(chan message, c.cfg.InboxSize),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		reducer:    progress.NewReducer(c.cfg.Clock),
		logger:     c.logger.With(zap.String("job_id", jobID)),
	}
	s.active.Store(true)

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	go c.run(s)
	return nil
}

// ViewModel returns the current snapshot.
func (c *Client) ViewModel() progress.ViewModel {
	return c.snapshot.Load().Clone()
}

// Subscribe registers fn to receive every ViewModel change. Each call gets
// its own copy of the snapshot. The returned function unsubscribes and may be
// called more than once.
func (c *Client) Subscribe(fn func(progress.ViewModel)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Retry asks the backend that is down because of an error to reconnect and
// optimistically clears the connection error. It returns immediately.
func (c *Client) Retry() {
	s := c.current()
	if s == nil {
		return
	}
	s.post(message{kind: msgRetry})
}

// Disconnect stops tracking: both backends are torn down and later events
// are ignored. It is idempotent and never blocks on the event loop, so it is
// safe to call from a subscriber or from onComplete.
func (c *Client) Disconnect() {
	if s := c.current(); s != nil {
		c.detach(s)
	}
}

// Wait blocks until the current session's event loop has exited or ctx ends.
func (c *Client) Wait(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// detach stops s and forgets it if it is still the tracked session.
func (c *Client) detach(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	c.stop(s)
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) stop(s *session) {
	s.stopOnce.Do(func() {
		c.pubMu.Lock()
		s.active.Store(false)
		final := c.snapshot.Load().Clone()
		final.IsConnected = false
		final.ConnectionQuality = progress.QualityNone
		final.Backend = progress.BackendNone
		c.snapshot.Store(&final)
		c.pubMu.Unlock()
		close(s.stopCh)
	})
}

// publish replaces the shared snapshot and fans it out. Nothing is published
// once the session has been disconnected.
func (c *Client) publish(s *session, vm progress.ViewModel) {
	c.pubMu.Lock()
	if !s.active.Load() {
		c.pubMu.Unlock()
		return
	}
	c.snapshot.Store(&vm)
	c.pubMu.Unlock()

	c.subMu.Lock()
	subs := make([]func(progress.ViewModel), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(vm.Clone())
	}
	for _, o := range c.observers {
		o.Observe(vm)
	}
}
