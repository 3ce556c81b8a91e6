// Package metrics exposes Prometheus collectors for the simulator's HTTP and
// websocket surface. Collectors register lazily against the default registry.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	jobsTotal       *prometheus.CounterVec
	liveConnections prometheus.Gauge
	liveSession     prometheus.Histogram

	once sync.Once
)

// Init registers the collectors. Every exported helper calls it, so explicit
// calls are only needed before reading collectors directly.
func Init() {
	once.Do(func() {
		requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "simulator_http_requests_total",
			Help: "HTTP requests served by the simulator, by method, route and status code.",
		}, []string{"method", "route", "code"})

		requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "simulator_http_request_duration_seconds",
			Help:    "Simulator HTTP latency by method and route. Websocket routes measure the whole session.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		}, []string{"method", "route"})

		jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "simulator_jobs_total",
			Help: "Simulated jobs by lifecycle event (created, completed, error).",
		}, []string{"status"})

		liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "simulator_live_connections",
			Help: "Open live progress channels.",
		})

		liveSession = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "simulator_live_session_seconds",
			Help:    "Lifetime of live progress channels.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 7),
		})
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one finished request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	requestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob counts a job lifecycle event.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// TrackLiveConnection marks a live channel as open. The returned func closes
// it and records the session length; call it exactly once.
func TrackLiveConnection() (done func()) {
	Init()
	start := time.Now()
	liveConnections.Inc()
	return func() {
		liveConnections.Dec()
		liveSession.Observe(time.Since(start).Seconds())
	}
}
