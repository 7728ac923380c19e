package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Resolution metrics
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration *prometheus.HistogramVec
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	CacheErrorsTotal   *prometheus.CounterVec

	// Mutation metrics
	GrantMutationsTotal *prometheus.CounterVec
	CascadeSize         *prometheus.HistogramVec
	DeniedTotal         *prometheus.CounterVec
	StoreErrorsTotal    *prometheus.CounterVec

	// Default permission repair
	RepairRunsTotal  *prometheus.CounterVec
	RepairAddedTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoperm_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repoperm_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoperm_resolutions_total",
				Help: "Permission set resolutions by source",
			},
			[]string{"source"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repoperm_resolution_duration_seconds",
				Help:    "Time to resolve a permission set",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"source"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "repoperm_cache_hits_total",
				Help: "Permission cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "repoperm_cache_misses_total",
				Help: "Permission cache misses",
			},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoperm_cache_errors_total",
				Help: "Permission cache operation failures",
			},
			[]string{"operation"},
		),
		GrantMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoperm_grant_mutations_total",
				Help: "Grant mutations by object kind, operation and outcome",
			},
			[]string{"object", "operation", "status"},
		),
		CascadeSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repoperm_cascade_objects",
				Help:    "Objects touched by a repo-group cascade",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"operation", "recursive"},
		),
		DeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoperm_denied_total",
				Help: "Requests rejected by a permission guard",
			},
			[]string{"check"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoperm_store_errors_total",
				Help: "Persistence failures by operation",
			},
			[]string{"operation"},
		),
		RepairRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoperm_default_repair_runs_total",
				Help: "Scheduled default permission repairs by outcome",
			},
			[]string{"status"},
		),
		RepairAddedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "repoperm_default_repair_added_total",
				Help: "Default user grants recreated by repairs",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		m.GrantMutationsTotal,
		m.CascadeSize,
		m.DeniedTotal,
		m.StoreErrorsTotal,
		m.RepairRunsTotal,
		m.RepairAddedTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel uses the mux route template so ids and names do not explode cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
