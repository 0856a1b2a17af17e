package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Workflow metrics
	WorkflowExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_executions_total",
			Help: "Total number of workflow executions by terminal status",
		},
		[]string{"status", "trigger"},
	)

	WorkflowExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"trigger"},
	)

	WorkflowsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_executions_running",
			Help: "Number of workflow executions currently in progress",
		},
	)

	// Node metrics
	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	NodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "node_execution_duration_seconds",
			Help:    "Connector call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"node_type"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Connector circuit breaker state by node type (0 closed, 1 half-open, 2 open)",
		},
		[]string{"node_type"},
	)

	// Status stream metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_events_published_total",
			Help: "Total number of status events published",
		},
		[]string{"status"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "status_events_dropped_total",
			Help: "Status events dropped because a subscriber buffer was full",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "status_stream_subscribers",
			Help: "Number of live status stream subscribers",
		},
	)

	// Database metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database statement duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_query_errors_total",
			Help: "Database statements that returned an error",
		},
		[]string{"operation"},
	)

	DBSlowQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Database statements slower than the configured threshold",
		},
	)

	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_connections",
			Help: "Connection pool state",
		},
		[]string{"state"},
	)
)

// RecordHTTPRequest counts a request and observes its latency.
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordWorkflowExecution counts a finished run and observes its duration.
func RecordWorkflowExecution(status, trigger string, duration float64) {
	WorkflowExecutionsTotal.WithLabelValues(status, trigger).Inc()
	WorkflowExecutionDuration.WithLabelValues(trigger).Observe(duration)
}

// RecordNodeExecution counts a connector call and observes its duration.
func RecordNodeExecution(nodeType, status string, duration float64) {
	NodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	NodeExecutionDuration.WithLabelValues(nodeType).Observe(duration)
}

// RecordDBQuery observes statement latency.
func RecordDBQuery(operation, table string, duration float64) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration)
}
