package observe

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stashhog/stashhog/storage"
)

// Metrics holds the process-level prometheus collectors. It satisfies
// jobs.Metrics for the job lifecycle counters.
type Metrics struct {
	registry *prometheus.Registry

	jobsCreated   *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsActive    prometheus.Gauge
	daemonRunning *prometheus.GaugeVec
	stashRequests *prometheus.CounterVec
	stashLatency  prometheus.Histogram
}

// NewMetrics registers all collectors on the given registry; a nil
// registry gets a fresh one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		jobsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stashhog_jobs_created_total",
			Help: "Jobs created, by type.",
		}, []string{"type"}),
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stashhog_jobs_finished_total",
			Help: "Jobs reaching a terminal status, by type and status.",
		}, []string{"type", "status"}),
		jobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stashhog_jobs_active",
			Help: "Jobs currently running.",
		}),
		daemonRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stashhog_daemon_running",
			Help: "Whether a daemon is running (1) or stopped (0).",
		}, []string{"name"}),
		stashRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stashhog_stash_requests_total",
			Help: "Upstream GraphQL requests, by operation and response code.",
		}, []string{"operation", "code"}),
		stashLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stashhog_stash_request_seconds",
			Help:    "Upstream GraphQL request latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobCreated counts a new job row.
func (m *Metrics) JobCreated(jt storage.JobType) {
	m.jobsCreated.WithLabelValues(string(jt)).Inc()
}

// JobFinished counts a job reaching a terminal status.
func (m *Metrics) JobFinished(jt storage.JobType, status storage.JobStatus) {
	m.jobsFinished.WithLabelValues(string(jt), string(status)).Inc()
}

// JobsActive moves the running-jobs gauge.
func (m *Metrics) JobsActive(delta float64) {
	m.jobsActive.Add(delta)
}

// DaemonRunning flags a daemon as running or stopped.
func (m *Metrics) DaemonRunning(name string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	m.daemonRunning.WithLabelValues(name).Set(v)
}

// StashRequest counts one upstream request and its latency.
func (m *Metrics) StashRequest(operation, code string, elapsed time.Duration) {
	m.stashRequests.WithLabelValues(operation, code).Inc()
	m.stashLatency.Observe(elapsed.Seconds())
}
