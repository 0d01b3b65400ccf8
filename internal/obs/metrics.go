package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"careunits.org/internal/ledger"
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "Whether the service considers itself ready (1) or not (0).",
	})

	unitOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unit_ledger_operations_total",
			Help: "Unit ledger operations by kind and result.",
		},
		[]string{"op", "result"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge, unitOperationsTotal)
}

// RegisterRetryMetrics exports the executor's retry counters. The metrics
// object stays the source of truth; Prometheus reads it on scrape.
func RegisterRetryMetrics(m *ledger.RetryMetrics) {
	prometheus.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "unit_ledger_retried_operations_total",
		Help: "Operations that needed at least one serialization-conflict retry.",
	}, func() float64 { return float64(m.Retried()) }))
	prometheus.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "unit_ledger_retry_exhausted_total",
		Help: "Operations that exhausted the conflict retry budget.",
	}, func() float64 { return float64(m.Exhausted()) }))
}

// ObserveUnitOperation records the outcome of one ledger operation.
func ObserveUnitOperation(op, result string) {
	unitOperationsTotal.WithLabelValues(op, result).Inc()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
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

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	if len(parts) >= 4 && parts[1] == "v1" {
		switch parts[2] {
		case "authorizations":
			parts[3] = ":id"
			if len(parts) <= 5 {
				return strings.Join(parts, "/")
			}
			// Unrecognized deeper paths carry identifiers; never emit them
			// as label values.
			return pathOther
		case "patients":
			parts[3] = ":id"
			if len(parts) == 5 && parts[4] == "authorizations" {
				return strings.Join(parts, "/")
			}
			if len(parts) == 6 && parts[4] == "authorizations" && parts[5] == "active" {
				return strings.Join(parts, "/")
			}
			return pathOther
		}
	}
	return path
}

// pathOther is the catch-all label for request paths CanonicalPath does not
// recognize under /v1; it keeps label cardinality bounded.
const pathOther = "/other"

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
