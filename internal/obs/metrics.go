package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
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

	// AuthzDecisions counts gateway authorization outcomes.
	AuthzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicdash_authz_decisions_total",
			Help: "Gateway authorization decisions by resource, action and outcome.",
		},
		[]string{"resource", "action", "outcome"},
	)

	// GatewayDuration observes gateway call latency including storage.
	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinicdash_gateway_duration_seconds",
			Help:    "Gateway operation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource", "action"},
	)

	// AuditWriteFailures counts audit records that could not be stored inline.
	AuditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clinicdash_audit_write_failures_total",
		Help: "Audit records that failed to persist synchronously.",
	})

	// AuditSpooled tracks records waiting in the local audit spool.
	AuditSpooled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clinicdash_audit_spooled_records",
		Help: "Audit records pending replay from the local spool.",
	})

	// GoalTransitions counts goal status changes.
	GoalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicdash_goal_transitions_total",
			Help: "Goal status transitions.",
		},
		[]string{"from", "to"},
	)

	readiness = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clinicdash_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	initOnce sync.Once
)

// Init registers all metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			AuthzDecisions, GatewayDuration,
			AuditWriteFailures, AuditSpooled, GoalTransitions, readiness,
		)
	})
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readiness.Set(1)
		return
	}
	readiness.Set(0)
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
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

// CanonicalPath collapses record identifiers so path labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if looksLikeID(part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// looksLikeID matches ULIDs and UUIDs.
func looksLikeID(s string) bool {
	switch len(s) {
	case 26:
		for _, r := range s {
			if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z') {
				return false
			}
		}
		return true
	case 36:
		return strings.Count(s, "-") == 4
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers work through the instrumentation wrapper.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
