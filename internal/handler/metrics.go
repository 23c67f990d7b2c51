package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sealAnchorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainseal_anchors_total",
		Help: "Total anchor write operations by backend and outcome.",
	}, []string{"backend", "outcome"})

	sealRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainseal_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	sealRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainseal_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sealSequencerRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainseal_sequencer_retries_total",
		Help: "Total transient-failure retries performed by the transaction sequencer.",
	})

	sealSequencerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainseal_sequencer_queue_depth",
		Help: "Calls currently waiting in the transaction sequencer queue.",
	})

	sealDependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainseal_dependency_up",
		Help: "Whether a probed dependency is currently answering (1 up, 0 down).",
	}, []string{"dependency"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		sealRequestsTotal.WithLabelValues(method, path, status).Inc()
		sealRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAnchor records an anchor write outcome. Wired into the coordinator's
// metrics callback from main.
func RecordAnchor(backend, outcome string) {
	sealAnchorsTotal.WithLabelValues(backend, outcome).Inc()
}

// RecordSequencerRetry records one sequencer retry.
func RecordSequencerRetry() {
	sealSequencerRetriesTotal.Inc()
}

// SetSequencerQueueDepth sets the sequencer queue depth gauge.
func SetSequencerQueueDepth(depth float64) {
	sealSequencerQueueDepth.Set(depth)
}

// SetDependencyUp records a health probe result for a dependency.
func SetDependencyUp(dependency string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	sealDependencyUp.WithLabelValues(dependency).Set(v)
}
