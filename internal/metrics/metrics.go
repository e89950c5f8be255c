// Package metrics exports Prometheus collectors for the Sentinel pipeline:
// HTTP traffic, job executions, queue depth, and compile cache behavior.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds every collector the service registers.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Execution pipeline
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	JobsSubmitted     *prometheus.CounterVec
	QueueWaiting      *prometheus.GaugeVec
	QueueActive       *prometheus.GaugeVec

	// Compile cache
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// Get returns the singleton, registering collectors on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by endpoint, method and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Executed jobs by language and result status",
		},
		[]string{"language", "status"},
	)

	m.ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock job execution duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"language"},
	)

	m.JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "dispatcher",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by POST /execute, by language",
		},
		[]string{"language"},
	)

	m.QueueWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "queue",
			Name:      "waiting",
			Help:      "Enqueued but unclaimed jobs per queue",
		},
		[]string{"queue"},
	)

	m.QueueActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "queue",
			Name:      "active",
			Help:      "Claimed in-flight jobs per queue",
		},
		[]string{"queue"},
	)

	m.CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "compile_cache",
			Name:      "hits_total",
			Help:      "Compile cache hits by language",
		},
		[]string{"language"},
	)

	m.CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "compile_cache",
			Name:      "misses_total",
			Help:      "Compile cache misses by language",
		},
		[]string{"language"},
	)

	return m
}
