// Package observability holds the engine's Prometheus collectors.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	filterTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filter_tasks_total",
			Help: "Filter tasks by terminal outcome.",
		},
		[]string{"outcome"},
	)

	filterTaskDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filter_task_duration_seconds",
			Help:    "Wall time of filter tasks from submit to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache results by cache and outcome.",
		},
		[]string{"cache", "outcome"},
	)

	backendOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_op_total",
			Help: "Backend round-trips by backend, operation and status.",
		},
		[]string{"backend", "op", "status"},
	)

	backendOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_op_duration_seconds",
			Help:    "Latency of backend round-trips in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"backend", "op"},
	)

	sessionArtifacts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_artifacts",
			Help: "Temporary tables and materialized views held by the session.",
		},
		[]string{"backend"},
	)

	advisorWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_warnings_total",
			Help: "Warnings attached to task results by kind.",
		},
		[]string{"kind"},
	)

	invalidationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_events_total",
			Help: "Layer invalidation events by operation and status.",
		},
		[]string{"op", "status"},
	)

	cacheOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Redis cache operations by op and status.",
		},
		[]string{"op", "status"},
	)

	redisOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of Redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"op"},
	)
)

func all() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		filterTasksTotal, filterTaskDurationSeconds,
		cacheResults, backendOpsTotal, backendOpDurationSeconds,
		sessionArtifacts, advisorWarnings, invalidationEvents,
		cacheOpsTotal, redisOpDurationSeconds,
	}
}

// Init additionally registers every collector with reg so a dedicated
// registry (metrics.Provider) exposes them. Safe to call more than once.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	for _, c := range all() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveTask(outcome string, durationSeconds float64) {
	filterTasksTotal.WithLabelValues(outcome).Inc()
	filterTaskDurationSeconds.Observe(durationSeconds)
}

func IncCacheHit(cache string)      { cacheResults.WithLabelValues(cache, "hit").Inc() }
func IncCacheMiss(cache string)     { cacheResults.WithLabelValues(cache, "miss").Inc() }
func IncCacheEviction(cache string) { cacheResults.WithLabelValues(cache, "evict").Inc() }

func ObserveBackendOp(backend, op string, err error, durationSeconds float64) {
	backendOpsTotal.WithLabelValues(backend, op, status(err)).Inc()
	backendOpDurationSeconds.WithLabelValues(backend, op).Observe(durationSeconds)
}

func AddSessionArtifacts(backend string, delta int) {
	sessionArtifacts.WithLabelValues(backend).Add(float64(delta))
}

func IncAdvisorWarning(kind string) { advisorWarnings.WithLabelValues(kind).Inc() }

func IncInvalidation(op, st string) { invalidationEvents.WithLabelValues(op, st).Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	cacheOpsTotal.WithLabelValues(op, status(err)).Inc()
	redisOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
