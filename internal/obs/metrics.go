package obs

import (
	"net/http"
	"strconv"
	"strings"
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

	workflowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Workflow instance transitions by outcome.",
		},
		[]string{"transition", "outcome"},
	)

	authzChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_checks_total",
			Help: "Permission checks by result.",
		},
		[]string{"result"},
	)
)

// Init registers all service metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		workflowTransitionsTotal,
		authzChecksTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveWorkflowTransition records a workflow transition attempt.
func ObserveWorkflowTransition(transition, outcome string) {
	workflowTransitionsTotal.WithLabelValues(transition, outcome).Inc()
}

// ObserveAuthzCheck records the result of a permission check.
func ObserveAuthzCheck(allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	authzChecksTotal.WithLabelValues(result).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
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

// CanonicalPath collapses per-entity path segments so label cardinality stays
// bounded. Only resource id positions are rewritten; unknown shapes pass
// through untouched.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	rewrite := func(resource string, actions ...string) (string, bool) {
		if len(parts) < 3 || parts[0] != "v1" || parts[1] != resource {
			return "", false
		}
		switch len(parts) {
		case 3:
			return "/v1/" + resource + "/:id", true
		case 4:
			for _, a := range actions {
				if parts[3] == a {
					return "/v1/" + resource + "/:id/" + a, true
				}
			}
		}
		return "", false
	}
	for _, r := range []struct {
		resource string
		actions  []string
	}{
		{"instances", []string{"approve", "reject", "cancel", "steps"}},
		{"roles", []string{"grants"}},
		{"users", []string{"assignments", "permissions"}},
	} {
		if canon, ok := rewrite(r.resource, r.actions...); ok {
			return canon
		}
	}
	return path
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
