package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry            *prometheus.Registry
	jobsTotal           *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	activeJobs          prometheus.Gauge
	spooledRunsTotal    prometheus.Counter
	encodeFallbackTotal prometheus.Counter
	failuresByKind      *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterflow_worker_jobs_total",
			Help: "Total worker jobs by transform kind and final status.",
		}, []string{"transform", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rasterflow_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"transform", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rasterflow_worker_active_jobs",
			Help: "Current number of active transform jobs in the worker.",
		}),
		spooledRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rasterflow_worker_spooled_runs_total",
			Help: "Total runs that spooled the source object to a temp file.",
		}),
		encodeFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rasterflow_worker_encode_fallback_total",
			Help: "Total runs where the source format encoder was rejected and PNG was substituted.",
		}),
		failuresByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rasterflow_worker_failures_total",
			Help: "Total failed jobs by pipeline error kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.spooledRunsTotal,
		m.encodeFallbackTotal,
		m.failuresByKind,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
