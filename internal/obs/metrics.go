package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_tokens_issued_total",
			Help: "Tokens issued, by tier and issuance path.",
		},
		[]string{"tier", "path"},
	)

	stepsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokengate_verification_steps_completed_total",
		Help: "Verification steps completed.",
	})

	bundlesGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokengate_bundles_granted_total",
		Help: "Bundled grants issued after reaching the completion threshold.",
	})

	accessDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengate_access_denied_total",
			Help: "Access checks denied, by reason.",
		},
		[]string{"reason"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		tokensIssued, stepsCompleted, bundlesGranted, accessDenied,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TokenIssued records an issued token. Path is "manual" or "bundled".
func TokenIssued(tier, path string) {
	tokensIssued.WithLabelValues(tier, path).Inc()
}

// StepCompleted records one completed verification step.
func StepCompleted() { stepsCompleted.Inc() }

// BundleGranted records one bundled grant event.
func BundleGranted() { bundlesGranted.Inc() }

// AccessDenied records a denied access check.
func AccessDenied(reason string) {
	accessDenied.WithLabelValues(reason).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
