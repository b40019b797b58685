package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	taskDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	waitDurationBuckets = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the pipeline.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Submission metrics
	SubmissionsTotal      *prometheus.CounterVec
	SyncWaitsTotal        *prometheus.CounterVec
	SyncWaitDuration      prometheus.Histogram
	IngressEnvelopesTotal *prometheus.CounterVec

	// Orchestration metrics
	LifecycleEventsTotal *prometheus.CounterVec
	RequestsActive       prometheus.Gauge
	GroupDuration        prometheus.Histogram
	RequestDuration      *prometheus.HistogramVec

	// Task metrics
	TaskDispatchesTotal  *prometheus.CounterVec
	TaskCompletionsTotal *prometheus.CounterVec
	TaskRetriesTotal     prometheus.Counter
	TaskDuration         prometheus.Histogram
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vnflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vnflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vnflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Submissions
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnflow_submissions_total",
			Help: "Total number of valuation submissions.",
		}, []string{"mode", "outcome"}),
		SyncWaitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnflow_sync_waits_total",
			Help: "Total number of synchronous waits by outcome.",
		}, []string{"outcome"}),
		SyncWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vnflow_sync_wait_duration_seconds",
			Help:    "Synchronous wait duration in seconds.",
			Buckets: waitDurationBuckets,
		}),
		IngressEnvelopesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnflow_ingress_envelopes_total",
			Help: "Total ingress envelopes claimed by the front consumer.",
		}, []string{"outcome"}),

		// Orchestration
		LifecycleEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnflow_lifecycle_events_total",
			Help: "Total lifecycle events published.",
		}, []string{"status"}),
		RequestsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vnflow_requests_active",
			Help: "Number of requests currently being orchestrated.",
		}),
		GroupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vnflow_group_duration_seconds",
			Help:    "Group execution duration in seconds.",
			Buckets: taskDurationBuckets,
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vnflow_request_duration_seconds",
			Help:    "End-to-end request orchestration duration in seconds.",
			Buckets: waitDurationBuckets,
		}, []string{"final_status"}),

		// Tasks
		TaskDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnflow_task_dispatches_total",
			Help: "Total task dispatches by attempt.",
		}, []string{"attempt"}),
		TaskCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnflow_task_completions_total",
			Help: "Total task completions by status.",
		}, []string{"status"}),
		TaskRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vnflow_task_retries_total",
			Help: "Total task re-dispatches after failure.",
		}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vnflow_task_duration_seconds",
			Help:    "Task execution duration in seconds as reported by workers.",
			Buckets: taskDurationBuckets,
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Submissions
		m.SubmissionsTotal,
		m.SyncWaitsTotal,
		m.SyncWaitDuration,
		m.IngressEnvelopesTotal,
		// Orchestration
		m.LifecycleEventsTotal,
		m.RequestsActive,
		m.GroupDuration,
		m.RequestDuration,
		// Tasks
		m.TaskDispatchesTotal,
		m.TaskCompletionsTotal,
		m.TaskRetriesTotal,
		m.TaskDuration,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSubmission records a valuation submission.
func (m *Metrics) RecordSubmission(mode, outcome string) {
	m.SubmissionsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordSyncWait records a synchronous wait outcome and its duration.
func (m *Metrics) RecordSyncWait(outcome string, duration time.Duration) {
	m.SyncWaitsTotal.WithLabelValues(outcome).Inc()
	m.SyncWaitDuration.Observe(duration.Seconds())
}

// RecordIngressEnvelope records an ingress envelope claim.
func (m *Metrics) RecordIngressEnvelope(outcome string) {
	m.IngressEnvelopesTotal.WithLabelValues(outcome).Inc()
}

// RecordLifecycleEvent records a published lifecycle event.
func (m *Metrics) RecordLifecycleEvent(status string) {
	m.LifecycleEventsTotal.WithLabelValues(status).Inc()
}

// RecordGroupDuration records the duration of a completed group.
func (m *Metrics) RecordGroupDuration(duration time.Duration) {
	m.GroupDuration.Observe(duration.Seconds())
}

// RecordRequestDuration records the end-to-end orchestration duration.
func (m *Metrics) RecordRequestDuration(finalStatus string, duration time.Duration) {
	m.RequestDuration.WithLabelValues(finalStatus).Observe(duration.Seconds())
}

// RecordTaskDispatch records a task dispatch.
func (m *Metrics) RecordTaskDispatch(attempt int) {
	m.TaskDispatchesTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
	if attempt > 1 {
		m.TaskRetriesTotal.Inc()
	}
}

// RecordTaskCompletion records a task update by status.
func (m *Metrics) RecordTaskCompletion(status string, duration time.Duration) {
	m.TaskCompletionsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.TaskDuration.Observe(duration.Seconds())
	}
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
