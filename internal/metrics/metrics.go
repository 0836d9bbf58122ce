// Package metrics provides Prometheus metrics for dxpops jobs and transfers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job lifecycle metrics
	jobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dxpops_job_transitions_total",
			Help: "Job state transitions by kind and target state",
		},
		[]string{"kind", "state"},
	)

	jobsLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dxpops_jobs_live",
			Help: "Jobs currently queued, pending or active",
		},
		[]string{"kind", "state"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dxpops_job_duration_seconds",
			Help:    "Wall time from job start to terminal state",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"kind", "state"},
	)

	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dxpops_job_admissions_total",
			Help: "Job requests by admission decision",
		},
		[]string{"kind", "admission"},
	)

	// Transfer metrics
	objectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dxpops_objects_total",
			Help: "Objects processed by the transfer executor",
		},
		[]string{"result"},
	)

	bytesTransferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dxpops_bytes_transferred_total",
			Help: "Bytes written to destination directories",
		},
	)

	objectsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dxpops_objects_skipped_total",
			Help: "Objects skipped because the local copy was current",
		},
	)

	// Poll metrics
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dxpops_export_polls_total",
			Help: "Export status polls by result",
		},
		[]string{"result"},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dxpops_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dxpops_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTransition records a job moving from one state to another. from is
// empty when the job was just created.
func RecordTransition(kind, from, to string, fromLive, toLive bool) {
	jobTransitionsTotal.WithLabelValues(kind, to).Inc()
	if from != "" && fromLive {
		jobsLive.WithLabelValues(kind, from).Dec()
	}
	if toLive {
		jobsLive.WithLabelValues(kind, to).Inc()
	}
}

// RecordJobDuration observes how long a finished job ran.
func RecordJobDuration(kind, state string, d time.Duration) {
	jobDuration.WithLabelValues(kind, state).Observe(d.Seconds())
}

// RecordAdmission records how a job request was admitted.
func RecordAdmission(kind, admission string) {
	admissionsTotal.WithLabelValues(kind, admission).Inc()
}

// RecordObject records one executor object outcome.
func RecordObject(bytes int64, success bool) {
	if !success {
		objectsTotal.WithLabelValues("failed").Inc()
		return
	}
	objectsTotal.WithLabelValues("succeeded").Inc()
	bytesTransferred.Add(float64(bytes))
}

// RecordSkipped records objects left alone because they were current.
func RecordSkipped(n int) {
	objectsSkipped.Add(float64(n))
}

// RecordPoll records one export status poll.
func RecordPoll(success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	pollsTotal.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by their mux pattern to keep job ids out of label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
