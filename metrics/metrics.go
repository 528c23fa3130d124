// Package metrics exposes Prometheus collectors for document operations,
// the cache and the HTTP layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alimasry/go-camp/errs"
)

var (
	// OperationsTotal counts document operations by outcome. Status is "ok"
	// or the error kind.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camp_operations_total",
			Help: "Total number of document operations",
		},
		[]string{"operation", "status"},
	)
	// OperationDuration is the latency of document operations.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "camp_operation_duration_seconds",
			Help:    "Document operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	// CacheLookups counts cache reads by representation and result.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camp_cache_lookups_total",
			Help: "Total number of cache lookups",
		},
		[]string{"kind", "result"},
	)
	// CacheErrors counts backend failures that were degraded to misses.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camp_cache_errors_total",
			Help: "Total number of cache backend errors",
		},
		[]string{"op"},
	)
	// RequestTotal counts HTTP requests by method and path prefix.
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camp_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	// RequestDuration is the latency of HTTP requests.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "camp_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Status returns the status label for an operation result.
func Status(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := errs.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// ObserveOperation records one finished operation.
func ObserveOperation(operation string, err error, start time.Time) {
	OperationsTotal.WithLabelValues(operation, Status(err)).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// CacheLookup records a cache read of the given representation.
func CacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(kind, result).Inc()
}

func CacheError(op string) {
	CacheErrors.WithLabelValues(op).Inc()
}
