package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "adc",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adc",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "adc",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	workerJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adc",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total worker jobs processed.",
		},
		[]string{"worker", "result"},
	)
	workerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "adc",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Worker job duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"worker"},
	)

	jobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adc",
			Subsystem: "jobs",
			Name:      "terminal_total",
			Help:      "Client jobs that reached a terminal state, by state.",
		},
		[]string{"status"},
	)
	monitorDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adc",
			Subsystem: "monitor",
			Name:      "discarded_total",
			Help:      "Job events dropped by the channel monitor.",
		},
		[]string{"source", "reason"},
	)
	spansDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "adc",
			Subsystem: "spans",
			Name:      "dropped_total",
			Help:      "Violations that could not be mapped onto the text.",
		},
	)
	cancelNotifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "adc",
			Subsystem: "jobs",
			Name:      "cancel_notify_total",
			Help:      "Best-effort cancel notifications sent to the job service.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		appInfo,
		httpRequestsTotal, httpRequestDuration,
		workerJobsTotal, workerJobDuration,
		jobsTerminalTotal, monitorDiscardedTotal, spansDroppedTotal, cancelNotifyTotal,
	)
}

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = defaultService
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver).Set(1)
}

// MetricsMiddleware records request count/latency.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := normalizeRouteLabel(r.URL.Path)
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps SSE handlers working behind the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func RecordWorkerJob(worker string, start time.Time, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	workerJobsTotal.WithLabelValues(worker, res).Inc()
	workerJobDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
}

func RecordJobTerminal(status string) {
	jobsTerminalTotal.WithLabelValues(status).Inc()
}

func RecordMonitorDiscard(source, reason string) {
	monitorDiscardedTotal.WithLabelValues(source, reason).Inc()
}

func RecordSpanDropped() {
	spansDroppedTotal.Inc()
}

func RecordCancelNotify(err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	cancelNotifyTotal.WithLabelValues(res).Inc()
}

func normalizeRouteLabel(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	// /checks/{id}, /checks/{id}/events, /checks/{id}/cancel
	if strings.HasPrefix(p, "/checks/") {
		rest := strings.Trim(strings.TrimPrefix(p, "/checks/"), "/")
		parts := strings.Split(rest, "/")
		if parts[0] == "queue" {
			return "/checks/queue/" + strings.Join(parts[1:], "/")
		}
		if len(parts) == 1 {
			return "/checks/:id"
		}
		switch parts[1] {
		case "events", "cancel":
			return "/checks/:id/" + parts[1]
		default:
			return "/checks/:id/other"
		}
	}
	return p
}
