// Package metrics holds the Prometheus collectors for runs, policy
// denials, generation calls and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every streamcoder metric on its own registry.
// All methods are safe on a nil *Collector.
type Collector struct {
	Registry *prometheus.Registry

	RunsTotal     *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	ActiveRuns    prometheus.Gauge
	PolicyDenials *prometheus.CounterVec

	GenerationsTotal   *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec

	SessionsPruned prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Collector with all metrics registered on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	m := &Collector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamcoder",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total submissions by isolation unit and result status.",
		}, []string{"isolation", "status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamcoder",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"isolation"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamcoder",
			Subsystem: "sandbox",
			Name:      "active_runs",
			Help:      "Programs currently executing.",
		}),

		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamcoder",
			Subsystem: "policy",
			Name:      "denials_total",
			Help:      "Denied import requests by module.",
		}, []string{"module"}),

		GenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamcoder",
			Subsystem: "llm",
			Name:      "generations_total",
			Help:      "Code generation calls by provider and outcome.",
		}, []string{"provider", "status"}),

		GenerationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamcoder",
			Subsystem: "llm",
			Name:      "generation_duration_seconds",
			Help:      "Code generation duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),

		SessionsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamcoder",
			Subsystem: "sessions",
			Name:      "pruned_total",
			Help:      "Idle sessions removed by the prune schedule.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamcoder",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "route", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamcoder",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ActiveRuns,
		m.PolicyDenials,
		m.GenerationsTotal,
		m.GenerationDuration,
		m.SessionsPruned,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Collector) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RunStarted marks a run in flight; call the returned func when it ends.
func (m *Collector) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRuns.Inc()
	return m.ActiveRuns.Dec
}

// ObserveRun records a finished run.
func (m *Collector) ObserveRun(isolation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(isolation, status).Inc()
	m.RunDuration.WithLabelValues(isolation).Observe(d.Seconds())
}

// ObserveDenials counts each denied module once per submission.
func (m *Collector) ObserveDenials(modules []string) {
	if m == nil {
		return
	}
	for _, mod := range modules {
		m.PolicyDenials.WithLabelValues(mod).Inc()
	}
}

// ObserveGeneration records a generation call.
func (m *Collector) ObserveGeneration(provider string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.GenerationsTotal.WithLabelValues(provider, status).Inc()
	m.GenerationDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObservePruned adds n pruned sessions.
func (m *Collector) ObservePruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsPruned.Add(float64(n))
}

// ObserveHTTP records one served request. route is the matched pattern,
// never the raw path.
func (m *Collector) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
