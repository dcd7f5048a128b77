// Package metrics exposes queue runner counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	runDuration  prometheus.Histogram
	lastRun      prometheus.Gauge
	runsTotal    *prometheus.CounterVec
}

// New registers the pickle collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickle_queue_tasks_total",
				Help: "Queue tasks processed, by resulting status",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pickle_queue_task_duration_seconds",
				Help:    "Time spent running one queue task",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pickle_queue_run_duration_seconds",
				Help:    "Time spent draining the queue",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pickle_queue_last_run_timestamp_seconds",
				Help: "Unix time the last queue run finished",
			},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pickle_queue_runs_total",
				Help: "Queue runs, by outcome",
			},
			[]string{"outcome"},
		),
	}
	m.Registry.MustRegister(m.tasksTotal, m.taskDuration, m.runDuration, m.lastRun, m.runsTotal)
	return m
}

// TaskFinished records one processed task.
func (m *Metrics) TaskFinished(status string, d time.Duration) {
	m.tasksTotal.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RunFinished records the end of a queue run.
func (m *Metrics) RunFinished(err error, d time.Duration, at time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
	m.lastRun.Set(float64(at.Unix()))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
