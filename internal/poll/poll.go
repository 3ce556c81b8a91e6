// Package poll approximates the live channel with periodic status requests
// when the push transport is unusable. Responses are decoded into the same
// progress.Event shape, so downstream logic does not care which transport
// delivered them.
package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/analysis-progress/internal/progress"
)

// Listener receives polled events and failures. Calls are made from a single
// goroutine, in request order.
type Listener interface {
	OnEvent(evt progress.Event)
	// OnFailure is called for every failed poll. Fatal failures stop the
	// Poller: either FailureThreshold consecutive errors or a rejection.
	OnFailure(f progress.Failure)
}

// Config tunes the poll loop.
type Config struct {
	// BaseURL is the http:// or https:// root of the analysis service.
	BaseURL          string
	Interval         time.Duration
	RequestTimeout   time.Duration
	FailureThreshold int
	Client           *http.Client
	Logger           *zap.Logger
}

const (
	defaultInterval         = 5 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	defaultFailureThreshold = 3
	maxStatusBytes          = 1 << 20
)

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// StatusURL returns the poll endpoint for jobID.
func StatusURL(baseURL, jobID string) string {
	return strings.TrimRight(baseURL, "/") + "/jobs/" + url.PathEscape(jobID) + "/status"
}

// Poller issues GET /jobs/{job_id}/status on a fixed interval.
type Poller struct {
	jobID    string
	url      string
	cfg      Config
	listener Listener
	logger   *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	trigger  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	active   atomic.Bool

	failures int
}

// Start validates jobID and begins polling immediately.
func Start(ctx context.Context, jobID string, cfg Config, listener Listener) (*Poller, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, progress.ErrInvalidJobID
	}
	if listener == nil {
		return nil, errors.New("poll listener is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("poll base url is required")
	}
	cfg.applyDefaults()
	runCtx, cancel := context.WithCancel(ctx)
	p := &Poller{
		jobID:    jobID,
		url:      StatusURL(cfg.BaseURL, jobID),
		cfg:      cfg,
		listener: listener,
		logger:   cfg.Logger.With(zap.String("job_id", jobID), zap.String("backend", string(progress.BackendPoll))),
		ctx:      runCtx,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	p.active.Store(true)
	go p.run()
	return p, nil
}

// Active reports whether the poll loop is still running.
func (p *Poller) Active() bool {
	return p.active.Load()
}

// PollNow requests an immediate poll outside the interval.
func (p *Poller) PollNow() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Stop halts polling. In-flight responses are discarded. It is idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.active.Store(false)
		p.cancel()
	})
}

// Done is closed once the poll loop exits.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) run() {
	defer close(p.done)
	defer p.active.Store(false)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if !p.pollOnce() {
			return
		}
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

// pollOnce performs one request and reports whether polling should continue.
func (p *Poller) pollOnce() bool {
	evt, err := p.fetch()
	if p.ctx.Err() != nil || !p.active.Load() {
		return false
	}
	if err == nil {
		p.failures = 0
		p.listener.OnEvent(evt)
		return true
	}
	p.failures++
	if progress.IsRejection(err) {
		p.logger.Warn("status poll rejected by server", zap.Error(err))
		p.listener.OnFailure(progress.Failure{
			Backend:     progress.BackendPoll,
			Consecutive: p.failures,
			Fatal:       true,
			Err:         err,
		})
		return false
	}
	p.logger.Warn("status poll failed", zap.Int("attempt", p.failures), zap.Error(err))
	if p.failures >= p.cfg.FailureThreshold {
		p.listener.OnFailure(progress.Failure{
			Backend:     progress.BackendPoll,
			Consecutive: p.failures,
			Fatal:       true,
			Err:         fmt.Errorf("%w: %d consecutive poll failures: %w", progress.ErrFatalConnection, p.failures, err),
		})
		return false
	}
	p.listener.OnFailure(progress.Failure{
		Backend:     progress.BackendPoll,
		Consecutive: p.failures,
		Err:         &progress.TransientError{Backend: progress.BackendPoll, Attempt: p.failures, Err: err},
	})
	return true
}

func (p *Poller) fetch() (progress.Event, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return progress.Event{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return progress.Event{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	if progress.RejectionStatus(resp.StatusCode) {
		return progress.Event{}, &progress.ServerRejectionError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return progress.Event{}, fmt.Errorf("status request: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBytes))
	if err != nil {
		return progress.Event{}, fmt.Errorf("read status body: %w", err)
	}
	return progress.DecodeEvent(body)
}
