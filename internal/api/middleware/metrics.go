// Package middleware provides HTTP middleware components for the management API.
// This file contains Prometheus metrics middleware for observability.
package middleware

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/router-for-me/copilotctl/internal/session"
)

// ErrorCodeKey is the gin context key handlers set to the AppError code they answered with.
const ErrorCodeKey = "error_code"

var (
	// httpRequestsTotal counts the total number of HTTP requests processed.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilotctl_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDurationSeconds tracks the duration of HTTP requests.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copilotctl_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// httpResponseSizeBytes tracks the size of HTTP response bodies.
	httpResponseSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copilotctl_http_response_size_bytes",
			Help:    "Size of HTTP response bodies in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 6),
		},
		[]string{"method", "path"},
	)

	activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copilotctl_active_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)
	activeRequestsCount int64

	// apiErrors counts error responses by AppError code.
	apiErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilotctl_api_errors_total",
			Help: "Total number of management API error responses",
		},
		[]string{"code"},
	)

	// metricsRegistered ensures metrics are only registered once.
	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers the HTTP metrics and the device flow outcome counter.
// It is safe to call multiple times; metrics will only be registered once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpResponseSizeBytes,
		activeRequests,
		apiErrors,
		session.FlowOutcomes,
	)
}

// PrometheusMiddleware returns a Gin middleware that collects Prometheus metrics
// for HTTP requests including request count, duration, and in-flight requests.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.Next()
			return
		}
		RegisterMetrics()

		// Skip metrics endpoint to avoid self-referential metrics
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		atomic.AddInt64(&activeRequestsCount, 1)
		activeRequests.Inc()
		defer func() {
			atomic.AddInt64(&activeRequestsCount, -1)
			activeRequests.Dec()
		}()

		path := routeLabel(c)
		method := c.Request.Method
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size > 0 {
			httpResponseSizeBytes.WithLabelValues(method, path).Observe(float64(size))
		}

		if c.Writer.Status() >= 400 {
			code := "unknown"
			if v, ok := c.Get(ErrorCodeKey); ok {
				if s, ok := v.(string); ok && s != "" {
					code = s
				}
			}
			apiErrors.WithLabelValues(code).Inc()
		}
	}
}

// routeLabel returns the matched route template so path parameters do not create new
// series. Unmatched requests share one label.
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

// MetricsHandler returns the Prometheus HTTP handler for the /metrics endpoint.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// ActiveRequests returns the number of requests currently being served.
func ActiveRequests() int64 {
	return atomic.LoadInt64(&activeRequestsCount)
}
