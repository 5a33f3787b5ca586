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

	// LoginsTotal counts completed callbacks by outcome.
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "OAuth callback outcomes.",
		},
		[]string{"outcome"},
	)

	// SessionValidationsTotal counts token validations by outcome.
	SessionValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_session_validations_total",
			Help: "Session validation outcomes.",
		},
		[]string{"outcome"},
	)

	SessionsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_evicted_total",
		Help: "Sessions evicted to respect the per-identity cap.",
	})

	SessionsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_swept_total",
		Help: "Expired sessions removed by the background sweeper.",
	})

	AuditWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit entries that could not be persisted or were dropped.",
	})

	initOnce sync.Once
)

// Init registers all collectors with the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			LoginsTotal, SessionValidationsTotal,
			SessionsEvictedTotal, SessionsSweptTotal, AuditWriteFailuresTotal,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight gauge.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var knownPaths = map[string]struct{}{
	"/":                     {},
	"/healthz":              {},
	"/readyz":               {},
	"/metrics":              {},
	"/auth/login":           {},
	"/auth/callback":        {},
	"/auth/logout":          {},
	"/auth/status":          {},
	"/auth/user":            {},
	"/auth/sessions":        {},
	"/auth/sessions/revoke": {},
	"/auth/audit":           {},
	"/auth/grants":          {},
}

// CanonicalPath maps a request path to a bounded metric label.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	if strings.HasPrefix(p, "/static/") {
		return "/static/*"
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
