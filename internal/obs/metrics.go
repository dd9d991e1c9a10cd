package obs

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qazna.org/identity/internal/auth"
)

// Auth operation outcomes reported on auth_operations_total.
const (
	OutcomeOK                 = "ok"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeInvalidToken       = "invalid_token"
	OutcomeTokenExpired       = "token_expired"
	OutcomeTokenNotFound      = "token_not_found"
	OutcomeError              = "error"
)

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	authOperations      *prometheus.CounterVec
	buildInfo           *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		authOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_operations_total",
				Help: "Sign-in, refresh and logout attempts by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "build_info",
				Help: "Identity service build information.",
			},
			[]string{"version", "commit"},
		),
	}
	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.authOperations,
		m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetBuildInfo sets build_info{version,commit} to 1.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

// ObserveAuth counts one auth operation, classifying err into an outcome.
func (m *Metrics) ObserveAuth(operation string, err error) {
	m.authOperations.WithLabelValues(operation, Outcome(err)).Inc()
}

// InFlightCounter is satisfied by auth.HashPool.
type InFlightCounter interface {
	InFlight() int64
}

// RegisterHashPool exposes the number of password hashes currently running.
func (m *Metrics) RegisterHashPool(pool InFlightCounter) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "auth_password_hash_in_flight",
			Help: "Password hash computations currently holding a worker slot.",
		},
		func() float64 { return float64(pool.InFlight()) },
	))
}

// RegisterDB exports connection pool statistics of db as go_sql_* series
// labelled db_name="identity".
func (m *Metrics) RegisterDB(db *sql.DB) {
	m.registry.MustRegister(collectors.NewDBStatsCollector(db, "identity"))
}

func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, auth.ErrInvalidCredentials):
		return OutcomeInvalidCredentials
	case errors.Is(err, auth.ErrTokenExpired):
		return OutcomeTokenExpired
	case errors.Is(err, auth.ErrTokenNotFound):
		return OutcomeTokenNotFound
	case errors.Is(err, auth.ErrInvalidToken):
		return OutcomeInvalidToken
	default:
		return OutcomeError
	}
}

// Instrument measures rate, latency and in-flight requests. The path label
// is the matched chi route pattern so IDs do not explode cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		path := routePattern(r)
		m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
