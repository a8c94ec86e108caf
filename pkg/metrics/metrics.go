// Package metrics defines the Prometheus instrumentation shared by the
// taskflow engine and exposes the /metrics HTTP endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guido-cesarano/taskflow/pkg/logger"
)

var (
	// JobsSubmitted counts submitted jobs by type.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflow_jobs_submitted_total",
		Help: "The total number of submitted jobs",
	}, []string{"type"})

	// JobsProcessed counts processed jobs by type and outcome.
	// Outcome is one of "completed", "retried", "failed".
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskflow_jobs_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"type", "outcome"})

	// JobDuration tracks handler execution latency per job type.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskflow_job_duration_seconds",
		Help:    "Duration of job handler execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// QueueLatency tracks the time a job spends queued before a worker
	// picks it up.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskflow_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// QueueDepth tracks the current number of queued jobs.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskflow_queue_depth",
		Help: "Number of jobs currently queued, delayed ones included",
	})
)

// StartServer runs an HTTP server exposing Prometheus metrics at /metrics.
func StartServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}
