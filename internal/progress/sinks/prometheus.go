package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/analysis-progress/internal/progress"
)

var qualities = []progress.Quality{progress.QualityGood, progress.QualityPoor, progress.QualityNone}

// PrometheusSink exports tracking metrics via Prometheus. It owns all
// collectors for jobs tracked/finished/running and the connection state.
type PrometheusSink struct {
	jobsTracked  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec

	progressPercent  prometheus.Gauge
	quality          *prometheus.GaugeVec
	backendSwitches  *prometheus.CounterVec
	connectionErrors prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_jobs_tracked_total",
			Help: "Total jobs whose progress has been tracked.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_jobs_finished_total",
			Help: "Total jobs that reached a terminal status partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_jobs_running",
			Help: "Current number of tracked jobs that have not finished.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_job_elapsed_seconds",
			Help:    "Server-reported elapsed time per finished job.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		progressPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_overall_percent",
			Help: "Overall progress of the most recently updated job.",
		}),
		quality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "progress_connection_quality",
			Help: "Set to 1 for the current connection quality.",
		}, []string{"quality"}),
		backendSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_backend_switches_total",
			Help: "Transport activations partitioned by backend.",
		}, []string{"backend"}),
		connectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_connection_errors_total",
			Help: "Connection errors surfaced to the presentation layer.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsTracked,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.progressPercent,
		s.quality,
		s.backendSwitches,
		s.connectionErrors,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.ViewModel) error {
	for _, vm := range batch {
		s.consumeSnapshot(vm)
	}
	return nil
}

func (s *PrometheusSink) consumeSnapshot(vm progress.ViewModel) {
	if vm.JobID == "" {
		return
	}
	d := s.tracker.observe(vm)
	if d.started {
		s.jobsTracked.Inc()
		s.jobsRunning.Inc()
	}
	if d.resumed {
		s.jobsRunning.Inc()
	}
	if d.switchedTo != "" {
		s.backendSwitches.WithLabelValues(string(d.switchedTo)).Inc()
	}
	if d.connectionError {
		s.connectionErrors.Inc()
	}
	if d.finished {
		result := "success"
		if vm.Status == progress.StatusError {
			result = "error"
		}
		s.jobsFinished.WithLabelValues(result).Inc()
		s.jobsRunning.Dec()
		if vm.ElapsedTime > 0 {
			s.jobRuntime.WithLabelValues(result).Observe(vm.ElapsedTime.Seconds())
		}
	}

	s.progressPercent.Set(float64(vm.Progress))
	for _, q := range qualities {
		v := 0.0
		if q == vm.ConnectionQuality {
			v = 1
		}
		s.quality.WithLabelValues(string(q)).Set(v)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobState struct {
	finished bool
	backend  progress.Backend
	errored  bool
}

type transition struct {
	started         bool
	resumed         bool
	finished        bool
	switchedTo      progress.Backend
	connectionError bool
}

type jobTracker struct {
	mu   sync.Mutex
	jobs map[string]*jobState
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: make(map[string]*jobState)}
}

// observe records vm and reports which edges it crossed for its job.
func (t *jobTracker) observe(vm progress.ViewModel) transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var d transition
	st, ok := t.jobs[vm.JobID]
	if !ok {
		st = &jobState{backend: progress.BackendNone}
		t.jobs[vm.JobID] = st
		d.started = true
	}
	if vm.Backend != st.backend {
		if vm.Backend != progress.BackendNone {
			d.switchedTo = vm.Backend
		}
		st.backend = vm.Backend
	}
	connErr := vm.ErrorMessage != "" && vm.Status != progress.StatusError
	if connErr && !st.errored {
		d.connectionError = true
	}
	st.errored = connErr

	switch {
	case vm.Terminal() && !st.finished:
		st.finished = true
		d.finished = true
	case !vm.Terminal() && st.finished:
		st.finished = false
		d.resumed = true
	}
	return d
}
