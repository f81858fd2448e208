package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60, 300},
		},
		[]string{"route", "method"},
	)

	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total number of upstream API requests by region and operation",
		},
		[]string{"region", "operation"},
	)
	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"region", "operation"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_submitted_total",
			Help: "Total number of async tasks submitted",
		},
		[]string{"type"},
	)
	TasksRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_running",
			Help: "Number of tasks currently running",
		},
		[]string{"type"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"type"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed",
		},
		[]string{"type"},
	)
	TasksCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_cancelled_total",
			Help: "Total number of tasks cancelled",
		},
		[]string{"type"},
	)

	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Total number of requests rejected by the daily quota",
		},
		[]string{"service"},
	)
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploads_total",
			Help: "Total number of reference image uploads by outcome",
		},
		[]string{"region", "outcome"},
	)

	// Generation outcome distributions
	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_duration_seconds",
			Help:    "End-to-end generation duration in seconds",
			Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"mode"},
	)
	GenerationPolls = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "generation_polls",
			Help:    "Distribution of poll iterations per generation",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 400, 900},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksCancelledTotal)
	prometheus.MustRegister(QuotaRejectionsTotal)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(GenerationDuration)
	prometheus.MustRegister(GenerationPolls)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveUpstream records one upstream API call.
func ObserveUpstream(region, operation string, dur time.Duration) {
	UpstreamRequestsTotal.WithLabelValues(region, operation).Inc()
	UpstreamRequestDuration.WithLabelValues(region, operation).Observe(dur.Seconds())
}

func SubmitTask(taskType string) {
	TasksSubmittedTotal.WithLabelValues(taskType).Inc()
}

// StartTask and ReleaseTask bracket one worker goroutine; the gauge counts
// live workers, not tasks in the running status.
func StartTask(taskType string) {
	TasksRunning.WithLabelValues(taskType).Inc()
}

func ReleaseTask(taskType string) {
	TasksRunning.WithLabelValues(taskType).Dec()
}

func CompleteTask(taskType string) {
	TasksCompletedTotal.WithLabelValues(taskType).Inc()
}

func FailTask(taskType string) {
	TasksFailedTotal.WithLabelValues(taskType).Inc()
}

func CancelTask(taskType string) {
	TasksCancelledTotal.WithLabelValues(taskType).Inc()
}

// ObserveGeneration records the outcome of a completed generation run.
func ObserveGeneration(mode string, elapsed time.Duration, polls int) {
	GenerationDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	if polls > 0 {
		GenerationPolls.Observe(float64(polls))
	}
}
