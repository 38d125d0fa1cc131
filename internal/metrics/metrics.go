package metrics

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pool metrics
var (
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkpool_jobs_submitted_total",
			Help: "Jobs submitted to the worker pool by outcome",
		},
		[]string{"status"},
	)

	JobWriteAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forkpool_job_write_attempts",
			Help:    "Pipe write attempts needed per submitted job",
			Buckets: []float64{1, 2, 3, 5},
		},
	)

	WorkerSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkpool_worker_spawns_total",
			Help: "Worker processes spawned per slot",
		},
		[]string{"slot"},
	)

	WorkerRecyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkpool_worker_recycles_total",
			Help: "Worker processes recycled per slot",
		},
		[]string{"slot"},
	)

	WorkersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forkpool_workers_live",
			Help: "Slots currently holding a worker process",
		},
	)

	DetachedLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkpool_detached_launches_total",
			Help: "One-shot background launches by result",
		},
		[]string{"result"},
	)
)

// Runner and worker metrics
var (
	RunnerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forkpool_runner_duration_seconds",
			Help:    "Wall time of synchronous command runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
	)

	RunnerStreamTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkpool_runner_stream_timeouts_total",
			Help: "Streams that produced no byte before the poll timeout",
		},
		[]string{"stream"},
	)

	RunnerSpawnDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forkpool_runner_spawn_denied_total",
			Help: "Synchronous commands that could not be started",
		},
	)

	ErrorsReportedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkpool_errors_reported_total",
			Help: "Errors passed to the error reporter",
		},
		[]string{"fatal"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkpool_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsSubmittedTotal,
		JobWriteAttempts,
		WorkerSpawnsTotal,
		WorkerRecyclesTotal,
		WorkersLive,
		DetachedLaunchesTotal,
		RunnerDuration,
		RunnerStreamTimeouts,
		RunnerSpawnDenied,
		ErrorsReportedTotal,
		HTTPRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware counts HTTP requests by method, route pattern and status.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
	})
}
