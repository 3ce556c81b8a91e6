package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/analysis-progress/internal/progress"
)

type recordingListener struct {
	mu        sync.Mutex
	events    []progress.Event
	qualities []progress.Quality
	failures  []progress.Failure
}

func (l *recordingListener) OnEvent(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *recordingListener) OnQualityChange(q progress.Quality) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.qualities = append(l.qualities, q)
}

func (l *recordingListener) OnFailure(f progress.Failure) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, f)
}

func (l *recordingListener) Events() []progress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]progress.Event(nil), l.events...)
}

func (l *recordingListener) Qualities() []progress.Quality {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]progress.Quality(nil), l.qualities...)
}

func (l *recordingListener) Failures() []progress.Failure {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]progress.Failure(nil), l.failures...)
}

type dialerFunc func(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error)

func (f dialerFunc) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	return f(ctx, urlStr, h)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastConfig(base string) Config {
	return Config{
		BaseURL:              base,
		HeartbeatInterval:    20 * time.Millisecond,
		LatencyThreshold:     time.Second,
		Backoff:              Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		MaxAttemptsPerMinute: 6000,
	}
}

// progressServer upgrades the connection, writes frames, then reads until the client leaves.
func progressServer(t *testing.T, frames []string, closeCode int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/jobs/job-1/progress") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		if closeCode != 0 {
			msg := websocket.FormatCloseMessage(closeCode, "job not found")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

// TestOpenRejectsEmptyJobID fails synchronously without dialing.
func TestOpenRejectsEmptyJobID(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	cfg := fastConfig("ws://example.invalid")
	cfg.Dialer = dialerFunc(func(context.Context, string, http.Header) (*websocket.Conn, *http.Response, error) {
		dials.Add(1)
		return nil, nil, errors.New("unexpected dial")
	})
	_, err := Open(context.Background(), "  ", cfg, &recordingListener{})
	require.ErrorIs(t, err, progress.ErrInvalidJobID)
	require.Zero(t, dials.Load())
}

// TestManagerDeliversEventsInOrder streams snapshots and reports a good connection.
func TestManagerDeliversEventsInOrder(t *testing.T) {
	t.Parallel()

	srv := progressServer(t, []string{
		`{"job_id":"job-1","overall_progress":10,"current_stage_index":0,"stage_progress":40,"status":"processing"}`,
		`not json`,
		`{"job_id":"job-1","overall_progress":30,"current_stage_index":1,"stage_progress":5,"status":"processing"}`,
	}, 0)
	defer srv.Close()

	listener := &recordingListener{}
	m, err := Open(context.Background(), "job-1", fastConfig(wsURL(srv)), listener)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close()) }()

	require.Eventually(t, func() bool { return len(listener.Events()) == 2 }, 2*time.Second, 10*time.Millisecond)
	events := listener.Events()
	require.Equal(t, 10, events[0].OverallProgress)
	require.Equal(t, 30, events[1].OverallProgress)
	require.True(t, m.Connected())
	require.Contains(t, listener.Qualities(), progress.QualityGood)
	require.Zero(t, m.Failures())
}

// TestManagerHandshakeRejection reports a fatal rejection and stops.
func TestManagerHandshakeRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	listener := &recordingListener{}
	m, err := Open(context.Background(), "job-1", fastConfig(wsURL(srv)), listener)
	require.NoError(t, err)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop after rejection")
	}
	failures := listener.Failures()
	require.Len(t, failures, 1)
	require.True(t, failures[0].Fatal)
	require.True(t, failures[0].Rejected())
}

// TestManagerCloseCodeRejection maps a 4404 close frame to a rejection.
func TestManagerCloseCodeRejection(t *testing.T) {
	t.Parallel()

	srv := progressServer(t, nil, 4404)
	defer srv.Close()

	listener := &recordingListener{}
	m, err := Open(context.Background(), "job-1", fastConfig(wsURL(srv)), listener)
	require.NoError(t, err)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop after close-code rejection")
	}
	failures := listener.Failures()
	require.NotEmpty(t, failures)
	last := failures[len(failures)-1]
	var rej *progress.ServerRejectionError
	require.ErrorAs(t, last.Err, &rej)
	require.Equal(t, http.StatusNotFound, rej.StatusCode)
}

// TestManagerCountsConsecutiveFailures increments the failure counter per attempt.
func TestManagerCountsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cfg := fastConfig("ws://example.invalid")
	cfg.Dialer = dialerFunc(func(context.Context, string, http.Header) (*websocket.Conn, *http.Response, error) {
		return nil, nil, errors.New("connection refused")
	})
	listener := &recordingListener{}
	m, err := Open(context.Background(), "job-1", cfg, listener)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(listener.Failures()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Close())
	<-m.Done()

	failures := listener.Failures()
	for i := 0; i < 3; i++ {
		require.Equal(t, i+1, failures[i].Consecutive)
		require.False(t, failures[i].Fatal)
		var transient *progress.TransientError
		require.ErrorAs(t, failures[i].Err, &transient)
	}
	require.False(t, m.Connected())
}

// TestManagerRetrySkipsBackoff forces an attempt while waiting on a long backoff.
func TestManagerRetrySkipsBackoff(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	cfg := fastConfig("ws://example.invalid")
	cfg.Backoff = Backoff{Base: time.Hour, Max: time.Hour}
	cfg.Dialer = dialerFunc(func(context.Context, string, http.Header) (*websocket.Conn, *http.Response, error) {
		dials.Add(1)
		return nil, nil, errors.New("connection refused")
	})
	m, err := Open(context.Background(), "job-1", cfg, &recordingListener{})
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close()) }()

	require.Eventually(t, func() bool { return dials.Load() == 1 }, time.Second, 5*time.Millisecond)
	m.Retry()
	require.Eventually(t, func() bool { return dials.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Failures() == 2 }, time.Second, 5*time.Millisecond)
}

// TestManagerCloseIdempotent stops the manager and tolerates repeated Close calls.
func TestManagerCloseIdempotent(t *testing.T) {
	t.Parallel()

	srv := progressServer(t, nil, 0)
	defer srv.Close()

	listener := &recordingListener{}
	m, err := Open(context.Background(), "job-1", fastConfig(wsURL(srv)), listener)
	require.NoError(t, err)
	require.Eventually(t, m.Connected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	require.False(t, m.Connected())
	m.Retry()
}

func (l *recordingListener) LastQuality() progress.Quality {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.qualities) == 0 {
		return progress.QualityNone
	}
	return l.qualities[len(l.qualities)-1]
}

// dialLog records when the server accepted each connection.
type dialLog struct {
	mu    sync.Mutex
	times []time.Time
}

func (d *dialLog) add() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.times = append(d.times, time.Now())
	return len(d.times)
}

func (d *dialLog) snapshot() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

// TestManagerBacksOffAfterDroppedConnection redials with backoff when an
// established connection keeps closing, and counts each drop as a failure.
func TestManagerBacksOffAfterDroppedConnection(t *testing.T) {
	t.Parallel()

	dials := &dialLog{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.add()
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "restarting")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	defer srv.Close()

	cfg := fastConfig(wsURL(srv))
	cfg.Backoff = Backoff{Base: 100 * time.Millisecond, Max: 100 * time.Millisecond}
	listener := &recordingListener{}
	m, err := Open(context.Background(), "job-1", cfg, listener)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close()) }()

	require.Eventually(t, func() bool { return len(listener.Failures()) >= 3 }, 3*time.Second, 5*time.Millisecond)

	failures := listener.Failures()
	for i := 0; i < 3; i++ {
		require.Equal(t, i+1, failures[i].Consecutive)
		require.False(t, failures[i].Fatal)
		var transient *progress.TransientError
		require.ErrorAs(t, failures[i].Err, &transient)
	}
	require.GreaterOrEqual(t, m.Failures(), 3)

	times := dials.snapshot()
	require.GreaterOrEqual(t, len(times), 3)
	for i := 1; i < 3; i++ {
		require.GreaterOrEqual(t, times[i].Sub(times[i-1]), 45*time.Millisecond)
	}
}

// TestManagerResetsFailuresOnceEventsFlow only clears the failure count after
// a connection delivers an event.
func TestManagerResetsFailuresOnceEventsFlow(t *testing.T) {
	t.Parallel()

	dials := &dialLog{}
	upgrader := websocket.Upgrader{}
	frame := `{"job_id":"job-1","overall_progress":10,"current_stage_index":0,"stage_progress":40,"status":"processing"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := dials.add()
		if n >= 2 {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		if n <= 2 {
			msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "restarting")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	listener := &recordingListener{}
	m, err := Open(context.Background(), "job-1", fastConfig(wsURL(srv)), listener)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close()) }()

	require.Eventually(t, func() bool { return len(listener.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Connected() && m.Failures() == 0 }, 2*time.Second, 5*time.Millisecond)

	failures := listener.Failures()
	require.Len(t, failures, 2)
	require.Equal(t, 1, failures[0].Consecutive)
	require.Equal(t, 1, failures[1].Consecutive)
}

// TestManagerDropsHalfOpenConnection gives up on a peer that stops answering
// heartbeats and reconnects.
func TestManagerDropsHalfOpenConnection(t *testing.T) {
	t.Parallel()

	dials := &dialLog{}
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.add()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	listener := &recordingListener{}
	m, err := Open(context.Background(), "job-1", fastConfig(wsURL(srv)), listener)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close()) }()

	require.Eventually(t, func() bool { return len(listener.Failures()) >= 1 }, 3*time.Second, 5*time.Millisecond)
	require.Contains(t, listener.Qualities(), progress.QualityPoor)

	failure := listener.Failures()[0]
	require.Equal(t, 1, failure.Consecutive)
	require.False(t, failure.Fatal)
	var transient *progress.TransientError
	require.ErrorAs(t, failure.Err, &transient)
	require.Eventually(t, func() bool { return len(dials.snapshot()) >= 2 }, 2*time.Second, 5*time.Millisecond)
}

// TestManagerHeartbeatQualityTransitions drives quality from good to poor and
// back through real ping/pong traffic without dropping the connection.
func TestManagerHeartbeatQualityTransitions(t *testing.T) {
	t.Parallel()

	var mute atomic.Bool
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(data string) error {
			if mute.Load() {
				return nil
			}
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := fastConfig(wsURL(srv))
	cfg.QualityWindow = 20
	listener := &recordingListener{}
	m, err := Open(context.Background(), "job-1", cfg, listener)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close()) }()

	require.Eventually(t, func() bool {
		return m.Connected() && listener.LastQuality() == progress.QualityGood
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	mute.Store(true)
	require.Eventually(t, func() bool { return listener.LastQuality() == progress.QualityPoor }, 2*time.Second, 5*time.Millisecond)
	mute.Store(false)
	require.Eventually(t, func() bool { return listener.LastQuality() == progress.QualityGood }, 3*time.Second, 5*time.Millisecond)

	require.True(t, m.Connected())
	require.Empty(t, listener.Failures())
}

// TestManagerRetryCutsAttemptBudgetWait forces a dial while the attempt
// budget is exhausted.
func TestManagerRetryCutsAttemptBudgetWait(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	cfg := fastConfig("ws://example.invalid")
	cfg.MaxAttemptsPerMinute = 1
	cfg.Backoff = Backoff{Base: time.Millisecond, Max: time.Millisecond}
	cfg.Dialer = dialerFunc(func(context.Context, string, http.Header) (*websocket.Conn, *http.Response, error) {
		dials.Add(1)
		return nil, nil, errors.New("connection refused")
	})
	m, err := Open(context.Background(), "job-1", cfg, &recordingListener{})
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close()) }()

	require.Eventually(t, func() bool { return dials.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), dials.Load())

	m.Retry()
	require.Eventually(t, func() bool { return dials.Load() == 2 }, time.Second, 5*time.Millisecond)
}

// TestManagerDiscardsRetryQueuedBeforeConnect keeps the backoff after a
// connection that came up while a Retry was pending.
func TestManagerDiscardsRetryQueuedBeforeConnect(t *testing.T) {
	t.Parallel()

	dials := &dialLog{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.add()
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "restarting")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	defer srv.Close()

	gate := make(chan struct{})
	cfg := fastConfig(wsURL(srv))
	cfg.Backoff = Backoff{Base: time.Hour, Max: time.Hour}
	cfg.Dialer = dialerFunc(func(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
		<-gate
		return websocket.DefaultDialer.DialContext(ctx, urlStr, h)
	})
	m, err := Open(context.Background(), "job-1", cfg, &recordingListener{})
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close()) }()

	m.Retry()
	close(gate)
	require.Eventually(t, func() bool { return m.Failures() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, dials.snapshot(), 1)
	require.Equal(t, 1, m.Failures())
}
