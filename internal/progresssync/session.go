package progresssync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/analysis-progress/internal/progress"
)

type msgKind int

const (
	msgEvent msgKind = iota
	msgQuality
	msgFailure
	msgRetry
)

type message struct {
	kind    msgKind
	gen     uint64
	backend progress.Backend
	event   progress.Event
	quality progress.Quality
	failure progress.Failure
}

// mode is the session's position in the transport state machine.
type mode int

const (
	modeLive mode = iota
	modePoll
	// modeFailed: both backends crossed their thresholds.
	modeFailed
	// modeRejected: the server refused the subscription.
	modeRejected
	// modeJobError: the server reported status error.
	modeJobError
	// modeFinished: the job completed.
	modeFinished
)

type session struct {
	jobID      string
	onComplete func(string)
	logger     *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan message
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	active   atomic.Bool

	// Owned by the event loop.
	reducer   *progress.Reducer
	mode      mode
	gen       uint64
	live      LiveChannel
	poller    PollChannel
	completed bool
	dirty     bool
	vm        progress.ViewModel
}

// post delivers m to the event loop, dropping it once the session stops.
func (s *session) post(m message) {
	if !s.active.Load() {
		return
	}
	select {
	case s.inbox <- m:
	case <-s.stopCh:
	case <-s.ctx.Done():
	}
}

// backendListener tags everything one backend instance reports with the
// generation it was started under.
type backendListener struct {
	s       *session
	gen     uint64
	backend progress.Backend
}

func (l backendListener) OnEvent(evt progress.Event) {
	l.s.post(message{kind: msgEvent, gen: l.gen, backend: l.backend, event: evt})
}

func (l backendListener) OnQualityChange(q progress.Quality) {
	l.s.post(message{kind: msgQuality, gen: l.gen, backend: l.backend, quality: q})
}

func (l backendListener) OnFailure(f progress.Failure) {
	l.s.post(message{kind: msgFailure, gen: l.gen, backend: l.backend, failure: f})
}

func (c *Client) run(s *session) {
	defer close(s.done)
	defer s.cancel()
	defer c.closeBackends(s)

	s.vm = s.reducer.Begin(s.jobID)
	s.dirty = true
	c.startLive(s)
	c.flush(s)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.ctx.Done():
			c.detach(s)
			return
		case m := <-s.inbox:
			c.handle(s, m)
		case <-ticker.C:
			c.update(s, s.reducer.Tick)
		}
		c.flush(s)
	}
}

func (c *Client) handle(s *session, m message) {
	if m.kind != msgRetry && m.gen != s.gen {
		s.logger.Debug("dropping message from replaced backend",
			zap.String("backend", string(m.backend)), zap.Uint64("gen", m.gen))
		return
	}
	switch m.kind {
	case msgEvent:
		c.onEvent(s, m.event)
	case msgQuality:
		if s.mode == modeLive {
			q := m.quality
			c.update(s, func() (progress.ViewModel, bool) {
				return s.reducer.SetConnection(q != progress.QualityNone, q)
			})
		}
	case msgFailure:
		c.onFailure(s, m.failure)
	case msgRetry:
		c.onRetry(s)
	}
}

func (c *Client) onEvent(s *session, evt progress.Event) {
	if s.mode == modeFinished || s.mode == modeRejected {
		return
	}
	changed := c.update(s, func() (progress.ViewModel, bool) { return s.reducer.Apply(evt) })
	if !changed {
		return
	}
	switch s.mode {
	case modePoll:
		// A successful poll proves the service is reachable, but updates are
		// delayed by the interval.
		c.update(s, func() (progress.ViewModel, bool) {
			return s.reducer.SetConnection(true, progress.QualityPoor)
		})
	case modeLive:
		if !s.vm.IsConnected {
			c.update(s, func() (progress.ViewModel, bool) {
				return s.reducer.SetConnection(true, progress.QualityGood)
			})
		}
	}

	switch s.vm.Status {
	case progress.StatusCompleted:
		c.finish(s)
	case progress.StatusError:
		s.logger.Info("job reported error", zap.String("error_message", s.vm.ErrorMessage))
		c.closeBackends(s)
		s.mode = modeJobError
		c.markOffline(s)
	}
}

func (c *Client) finish(s *session) {
	c.closeBackends(s)
	s.mode = modeFinished
	c.markOffline(s)
	if s.completed {
		return
	}
	s.completed = true
	s.logger.Info("job completed")
	if s.onComplete != nil {
		// Subscribers see the completed snapshot before onComplete runs.
		c.flush(s)
		s.onComplete(s.vm.JobID)
	}
}

func (c *Client) onFailure(s *session, f progress.Failure) {
	if f.Rejected() {
		s.logger.Warn("job subscription rejected", zap.Error(f.Err))
		c.closeBackends(s)
		s.mode = modeRejected
		c.markOffline(s)
		msg := f.Err.Error()
		c.update(s, func() (progress.ViewModel, bool) { return s.reducer.SetError(msg) })
		return
	}

	switch f.Backend {
	case progress.BackendLive:
		if s.mode != modeLive {
			return
		}
		c.update(s, func() (progress.ViewModel, bool) {
			return s.reducer.SetConnection(false, progress.QualityNone)
		})
		if f.Fatal || f.Consecutive >= c.cfg.FailureThreshold {
			s.logger.Warn("switching to polling",
				zap.Int("consecutive_failures", f.Consecutive),
				zap.Error(progress.ErrDegradedConnection))
			c.startPolling(s)
		}
	case progress.BackendPoll:
		if s.mode != modePoll || !f.Fatal {
			return
		}
		s.logger.Error("polling gave up", zap.Error(f.Err))
		c.closeBackends(s)
		s.mode = modeFailed
		c.markOffline(s)
		c.update(s, func() (progress.ViewModel, bool) {
			return s.reducer.SetError(progress.ErrFatalConnection.Error())
		})
	}
}

func (c *Client) onRetry(s *session) {
	switch s.mode {
	case modeLive:
		if s.live != nil {
			s.live.Retry()
		}
	case modePoll:
		s.logger.Info("retrying live channel")
		c.startLive(s)
	case modeFailed:
		s.logger.Info("retrying after connection failure")
		c.update(s, s.reducer.ClearError)
		c.startLive(s)
	case modeJobError:
		s.logger.Info("retrying after job error")
		c.startLive(s)
	case modeRejected, modeFinished:
		s.logger.Debug("retry ignored", zap.Int("mode", int(s.mode)))
	}
}

// startLive replaces whatever backend is running with a fresh live channel.
func (c *Client) startLive(s *session) {
	c.closeBackends(s)
	s.mode = modeLive
	gen := s.gen
	ch, err := c.openLive(s.ctx, s.jobID, backendListener{s: s, gen: gen, backend: progress.BackendLive})
	if err != nil {
		s.logger.Error("open live channel", zap.Error(err))
		c.startPolling(s)
		return
	}
	s.live = ch
	c.update(s, func() (progress.ViewModel, bool) { return s.reducer.SetBackend(progress.BackendLive) })
}

// startPolling replaces whatever backend is running with the poller.
func (c *Client) startPolling(s *session) {
	c.closeBackends(s)
	s.mode = modePoll
	gen := s.gen
	p, err := c.startPoll(s.ctx, s.jobID, backendListener{s: s, gen: gen, backend: progress.BackendPoll})
	if err != nil {
		s.logger.Error("start poller", zap.Error(err))
		s.mode = modeFailed
		c.markOffline(s)
		c.update(s, func() (progress.ViewModel, bool) {
			return s.reducer.SetError(progress.ErrFatalConnection.Error())
		})
		return
	}
	s.poller = p
	c.update(s, func() (progress.ViewModel, bool) { return s.reducer.SetBackend(progress.BackendPoll) })
}

// closeBackends stops both transports and invalidates their listeners.
func (c *Client) closeBackends(s *session) {
	s.gen++
	if s.live != nil {
		if err := s.live.Close(); err != nil {
			s.logger.Debug("close live channel", zap.Error(err))
		}
		s.live = nil
	}
	if s.poller != nil {
		s.poller.Stop()
		s.poller = nil
	}
}

func (c *Client) markOffline(s *session) {
	c.update(s, func() (progress.ViewModel, bool) { return s.reducer.SetBackend(progress.BackendNone) })
	c.update(s, func() (progress.ViewModel, bool) {
		return s.reducer.SetConnection(false, progress.QualityNone)
	})
}

// update runs one reducer operation and records whether it changed anything.
func (c *Client) update(s *session, op func() (progress.ViewModel, bool)) bool {
	vm, changed := op()
	if changed {
		s.vm = vm
		s.dirty = true
	}
	return changed
}

func (c *Client) flush(s *session) {
	if !s.dirty {
		return
	}
	s.dirty = false
	c.publish(s, s.vm)
}
