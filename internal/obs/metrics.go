// Copyright 2026 NVIDIA Corporation
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NVIDIA/osmo/internal/config"
)

var (
	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmo_jobs_submitted_total",
		Help: "Total number of jobs submitted to the job queue",
	}, []string{"job_type"})
	JobsDuplicate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmo_jobs_duplicate_total",
		Help: "Total number of jobs skipped as duplicates",
	}, []string{"job_type"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmo_jobs_retried_total",
		Help: "Total number of job retries requeued",
	}, []string{"job_type"})
	JobsDead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmo_jobs_dead_total",
		Help: "Total number of jobs that exhausted their retry budget",
	}, []string{"job_type"})
	WorkerJobProcessingTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "osmo_worker_job_processing_time",
		Help:    "Job processing time in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type", "job_status"})
	DelayedJobsPromoted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "osmo_delayed_jobs_promoted_total",
		Help: "Total number of delayed jobs promoted to the main queue",
	})
	DelayedJobsLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "osmo_delayed_job_length",
		Help: "Number of delayed jobs ready for promotion",
	})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "osmo_job_queue_length",
		Help: "Current length of job queues",
	}, []string{"queue"})

	BackendEventProcessingTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "osmo_backend_event_processing_time",
		Help:    "Time taken to process an event from a backend in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	BackendEventCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmo_backend_event_count",
		Help: "Number of events sent from the backend",
	}, []string{"type"})
	BackendEventWatchCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmo_backend_event_watch_count",
		Help: "Count of events received from Kubernetes watch streams",
	}, []string{"event_type"})
	WatchConnectionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmo_event_watch_connection_error_count",
		Help: "Count of connection errors on Kubernetes watch streams",
	}, []string{"event_type"})
	EventProcessingTimes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "osmo_event_processing_times",
		Help:    "Listener event processing time in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})
	WebsocketDisconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmo_websocket_disconnect_count",
		Help: "Count of websocket connection disconnects per stream",
	}, []string{"stream"})
	MessageTransmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "osmo_backend_message_transmission_count",
		Help: "Count of backend message transmissions per stream",
	}, []string{"stream"})
	UnackedMessages = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "osmo_unacked_messages",
		Help: "Number of messages awaiting acknowledgment per stream",
	}, []string{"stream"})
	BackendJobExecutionTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "osmo_backend_job_execution_time",
		Help:    "Backend job execution time in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "osmo_worker_active",
		Help: "Number of active worker goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsDuplicate, JobsRetried, JobsDead,
		WorkerJobProcessingTime, DelayedJobsPromoted, DelayedJobsLength, QueueLength,
		BackendEventProcessingTime, BackendEventCount, BackendEventWatchCount,
		WatchConnectionErrors, EventProcessingTimes, WebsocketDisconnects,
		MessageTransmissions, UnackedMessages, BackendJobExecutionTime, WorkerActive,
	)
}

// StartHTTPServer exposes /metrics, /healthz and /readyz.
// readiness is a callback that should return nil when the app is ready.
func StartHTTPServer(cfg *config.Config, readiness func() error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if readiness == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		if err := readiness(); err != nil {
			http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
