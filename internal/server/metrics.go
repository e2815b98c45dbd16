package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	meshAgentsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_agents_total",
		Help: "Total number of registered agents by status.",
	}, []string{"status"})

	meshRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	meshRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	meshDispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_dispatches_total",
		Help: "Total agent dispatches by agent and success status.",
	}, []string{"agent", "status"})

	meshDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_dispatch_duration_seconds",
		Help:    "Agent dispatch duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"agent"})

	meshStage1Candidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mesh_route_stage1_candidates",
		Help:    "Number of Stage-1 candidates per routed query.",
		Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
	})
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

		meshRequestsTotal.WithLabelValues(method, path, status).Inc()
		meshRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordDispatch records one agent dispatch outcome.
func RecordDispatch(agent string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	meshDispatchesTotal.WithLabelValues(agent, status).Inc()
	meshDispatchDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordStage1Candidates records the Stage-1 shortlist size for one query.
func RecordStage1Candidates(n int) {
	meshStage1Candidates.Observe(float64(n))
}

// SetAgentsGauge sets the agent count gauge for a given status.
func SetAgentsGauge(status string, count float64) {
	meshAgentsTotal.WithLabelValues(status).Set(count)
}
