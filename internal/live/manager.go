package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/analysis-progress/internal/progress"
)

// Dialer opens websocket connections; *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Listener receives everything a Manager observes. Calls for one Manager are
// never concurrent with each other for the same method; OnEvent is invoked in
// arrival order.
type Listener interface {
	// OnEvent is called once per decoded progress event.
	OnEvent(evt progress.Event)
	// OnQualityChange is called when the measured quality transitions.
	OnQualityChange(q progress.Quality)
	// OnFailure is called after each failed connection attempt, after each
	// unexpected disconnect, and once for a fatal rejection, after which the
	// Manager stops.
	OnFailure(f progress.Failure)
}

// Config tunes the live channel.
type Config struct {
	// BaseURL is the ws:// or wss:// root of the analysis service.
	BaseURL              string
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	LatencyThreshold     time.Duration
	QualityWindow        int
	GoodRatio            float64
	Backoff              Backoff
	MaxAttemptsPerMinute int
	Dialer               Dialer
	Header               http.Header
	Logger               *zap.Logger
}

const (
	defaultHeartbeatInterval    = 5 * time.Second
	defaultLatencyThreshold     = time.Second
	defaultQualityWindow        = 5
	defaultGoodRatio            = 0.8
	defaultBackoffBase          = 500 * time.Millisecond
	defaultBackoffMax           = 30 * time.Second
	defaultMaxAttemptsPerMinute = 10
)

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = defaultLatencyThreshold
	}
	if c.QualityWindow <= 0 {
		c.QualityWindow = defaultQualityWindow
	}
	if c.GoodRatio <= 0 || c.GoodRatio > 1 {
		c.GoodRatio = defaultGoodRatio
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = defaultBackoffBase
	}
	if c.Backoff.Max < c.Backoff.Base {
		c.Backoff.Max = defaultBackoffMax
		if c.Backoff.Max < c.Backoff.Base {
			c.Backoff.Max = c.Backoff.Base
		}
	}
	if c.MaxAttemptsPerMinute <= 0 {
		c.MaxAttemptsPerMinute = defaultMaxAttemptsPerMinute
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ProgressURL returns the live channel endpoint for jobID.
func ProgressURL(baseURL, jobID string) string {
	return strings.TrimRight(baseURL, "/") + "/jobs/" + url.PathEscape(jobID) + "/progress"
}

// Manager maintains one live subscription for a job.
type Manager struct {
	jobID    string
	url      string
	cfg      Config
	listener Listener
	logger   *zap.Logger
	limiter  *rate.Limiter
	monitor  *QualityMonitor

	ctx       context.Context
	cancel    context.CancelFunc
	retryCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	failures  int

	qualityMu sync.Mutex
	quality   progress.Quality
}

// Open validates jobID and starts establishing the channel in the background.
// No network activity happens when jobID is empty.
func Open(ctx context.Context, jobID string, cfg Config, listener Listener) (*Manager, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, progress.ErrInvalidJobID
	}
	if listener == nil {
		return nil, errors.New("live listener is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("live base url is required")
	}
	cfg.applyDefaults()
	runCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		jobID:    jobID,
		url:      ProgressURL(cfg.BaseURL, jobID),
		cfg:      cfg,
		listener: listener,
		logger:   cfg.Logger.With(zap.String("job_id", jobID), zap.String("backend", string(progress.BackendLive))),
		limiter: rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(cfg.MaxAttemptsPerMinute)),
			cfg.MaxAttemptsPerMinute,
		),
		monitor: NewQualityMonitor(cfg.QualityWindow, cfg.GoodRatio, cfg.LatencyThreshold, cfg.HeartbeatTimeout),
		ctx:     runCtx,
		cancel:  cancel,
		retryCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
		quality: progress.QualityNone,
	}
	go m.run()
	return m, nil
}

// Connected reports whether a websocket is currently established.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Failures returns the consecutive failed attempts since a connection last
// delivered an event.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Retry forces a reconnect attempt without waiting for the backoff delay or
// the attempt budget. It is a no-op while connected.
func (m *Manager) Retry() {
	if m.Connected() {
		return
	}
	select {
	case m.retryCh <- struct{}{}:
	default:
	}
}

// Close releases the channel. It is idempotent and does not wait for the
// background goroutine; use Done for that.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

// Done is closed once the background goroutine exits.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) run() {
	defer close(m.done)
	forced := false
	for {
		if !forced && !m.acquire() {
			return
		}
		forced = false

		conn, resp, err := m.cfg.Dialer.DialContext(m.ctx, m.url, m.cfg.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			if resp != nil && progress.RejectionStatus(resp.StatusCode) {
				m.fatal(&progress.ServerRejectionError{StatusCode: resp.StatusCode})
				return
			}
			m.logger.Debug("live connect failed", zap.Error(err))
		} else {
			err = m.serve(conn)
			if m.ctx.Err() != nil {
				return
			}
			if rej := rejectionFromClose(err); rej != nil {
				m.fatal(rej)
				return
			}
			m.logger.Info("live channel dropped; reconnecting", zap.Error(err))
		}

		ok, wasForced := m.failAndWait(err)
		if !ok {
			return
		}
		forced = wasForced
	}
}

// acquire takes one token from the attempt budget. Retry cuts the wait short
// and hands the token back. It reports false once closed.
func (m *Manager) acquire() bool {
	r := m.limiter.Reserve()
	d := r.Delay()
	if d == 0 {
		return true
	}
	ok, forced := m.wait(d)
	if !ok || forced {
		r.Cancel()
	}
	return ok
}

// failAndWait counts a failed attempt, reports it, and sleeps for the backoff
// delay of that attempt.
func (m *Manager) failAndWait(err error) (ok bool, forced bool) {
	attempt := m.recordFailure()
	m.reportFailure(progress.Failure{
		Backend:     progress.BackendLive,
		Consecutive: attempt,
		Err:         &progress.TransientError{Backend: progress.BackendLive, Attempt: attempt, Err: err},
	})
	return m.wait(m.cfg.Backoff.Delay(attempt - 1))
}

// serve reads from conn until it fails. The read deadline moves forward on
// every frame and pong, so a full quality window of unanswered heartbeats
// ends the connection. Failures reset once the first event is decoded.
func (m *Manager) serve(conn *websocket.Conn) error {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return m.ctx.Err()
	}
	m.conn = conn
	m.connected = true
	m.mu.Unlock()

	// A Retry queued while disconnected must not skip the next backoff.
	select {
	case <-m.retryCh:
	default:
	}

	m.monitor.Connected()
	m.publishQuality()
	m.logger.Info("live channel connected")

	stop := make(chan struct{})
	defer func() {
		close(stop)
		m.mu.Lock()
		m.conn = nil
		m.connected = false
		m.mu.Unlock()
		_ = conn.Close()
		m.monitor.Disconnected()
		m.publishQuality()
	}()

	readWindow := time.Duration(m.cfg.QualityWindow) * m.cfg.HeartbeatTimeout
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))
	}
	extend()
	conn.SetPongHandler(func(payload string) error {
		extend()
		m.monitor.Pong(payload, time.Now())
		m.publishQuality()
		return nil
	})
	go m.heartbeat(conn, stop)

	proven := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read live message: %w", err)
		}
		extend()
		evt, err := progress.DecodeEvent(data)
		if err != nil {
			m.logger.Debug("discarding invalid progress event", zap.Error(err))
			continue
		}
		if m.ctx.Err() != nil {
			return m.ctx.Err()
		}
		if !proven {
			proven = true
			m.resetFailures()
		}
		m.listener.OnEvent(evt)
	}
}

func (m *Manager) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.monitor.Expire(now)
			m.publishQuality()
			payload := m.monitor.Sent(now)
			if err := conn.WriteControl(websocket.PingMessage, []byte(payload), now.Add(m.cfg.HeartbeatTimeout)); err != nil {
				m.logger.Debug("heartbeat write failed; dropping connection", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

// publishQuality reports the monitor's current quality if it changed. The
// lock serializes notifications from the reader and heartbeat goroutines.
func (m *Manager) publishQuality() {
	m.qualityMu.Lock()
	defer m.qualityMu.Unlock()
	q := m.monitor.Quality()
	if q == m.quality || m.ctx.Err() != nil {
		return
	}
	m.quality = q
	m.logger.Debug("live quality changed", zap.String("quality", string(q)))
	m.listener.OnQualityChange(q)
}

func (m *Manager) recordFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return m.failures
}

func (m *Manager) resetFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
}

func (m *Manager) reportFailure(f progress.Failure) {
	if m.ctx.Err() != nil {
		return
	}
	m.listener.OnFailure(f)
}

func (m *Manager) fatal(err error) {
	m.logger.Warn("live channel rejected by server", zap.Error(err))
	m.reportFailure(progress.Failure{
		Backend:     progress.BackendLive,
		Consecutive: m.recordFailure(),
		Fatal:       true,
		Err:         err,
	})
}

// wait sleeps for d, returning early on Retry. It reports false once closed.
func (m *Manager) wait(d time.Duration) (ok bool, forced bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true, false
	case <-m.retryCh:
		return true, true
	case <-m.ctx.Done():
		return false, false
	}
}

// rejectionFromClose maps application close codes 4400-4499 (mirroring HTTP
// 4xx) and policy violations to a server rejection.
func rejectionFromClose(err error) *progress.ServerRejectionError {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return nil
	}
	switch {
	case ce.Code == websocket.ClosePolicyViolation:
		return &progress.ServerRejectionError{StatusCode: http.StatusForbidden, Reason: ce.Text}
	case ce.Code >= 4400 && ce.Code < 4500:
		return &progress.ServerRejectionError{StatusCode: ce.Code - 4000, Reason: ce.Text}
	default:
		return nil
	}
}
