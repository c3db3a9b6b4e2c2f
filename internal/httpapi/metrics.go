package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabricd",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"path", "method", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fabricd",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration. /infer covers the whole stream.",
		Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300},
	}, []string{"path", "method", "status"})

	httpResponseBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fabricd",
		Subsystem: "http",
		Name:      "response_bytes",
		Help:      "Response body size in bytes.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"path"})

	httpInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fabricd",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "In-flight HTTP requests.",
	}, []string{"method"})

	backpressureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabricd",
		Subsystem: "http",
		Name:      "backpressure_total",
		Help:      "Requests rejected with 429, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpResponseBytes, httpInflight, backpressureTotal)
}

// statusRecorder captures the status code and body size.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware records request count, duration and response size.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g := httpInflight.WithLabelValues(r.Method)
		g.Inc()
		defer g.Dec()

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		// chi fills the pattern in while routing
		path := routePattern(r)
		status := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		httpResponseBytes.WithLabelValues(path).Observe(float64(sr.bytes))
	})
}

// routePattern keeps label cardinality bounded: /sessions/{handle} rather
// than one series per handle. Requests routed outside chi keep their path.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// IncrementBackpressure counts a 429 response.
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}
