// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// TasksEnqueuedTotal counts tasks accepted by the gateway and published.
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"result"},
	)
	// TasksInProgress is a gauge of tasks currently being worked.
	TasksInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_in_progress",
			Help: "Number of tasks currently in progress across all workers",
		},
	)
	// TasksCompletedTotal counts tasks that reached the completed status.
	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)
	// TasksFailedTotal counts tasks that reached the failed status.
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed",
		},
		[]string{"reason"},
	)
	// TasksDLQTotal counts tasks escalated to the dead-letter queue.
	TasksDLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_dlq_total",
			Help: "Total number of tasks escalated to the dead-letter queue",
		},
	)

	// WorkerHeartbeatsTotal counts presence/status heartbeats emitted by workers.
	WorkerHeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_heartbeats_total",
			Help: "Total number of worker heartbeats emitted",
		},
		[]string{"worker_id"},
	)

	// BrokerPublishDuration records publish latency by queue.
	BrokerPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_publish_duration_seconds",
			Help:    "Broker publish duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"queue"},
	)
	// BrokerQueueDepth tracks the last observed depth of a queue.
	BrokerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_queue_depth",
			Help: "Last observed depth of a broker queue",
		},
		[]string{"queue"},
	)

	// KVOperationDuration records KV store operation latency by operation name.
	KVOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kv_operation_duration_seconds",
			Help:    "KV store operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"operation"},
	)

	// AutoscalerDesiredWorkers tracks the autoscaler's last computed desired count.
	AutoscalerDesiredWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoscaler_desired_workers",
			Help: "Last computed desired worker count",
		},
	)
	// AutoscalerBacklogDepth tracks the backlog depth used in the last scaling decision.
	AutoscalerBacklogDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoscaler_backlog_depth",
			Help: "Backlog depth observed in the last scaling decision",
		},
	)

	// QuotaRejectionsTotal counts requests rejected by a quota manager.
	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Total number of requests rejected by quota enforcement",
		},
		[]string{"backend"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksInProgress)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksDLQTotal)
	prometheus.MustRegister(WorkerHeartbeatsTotal)
	prometheus.MustRegister(BrokerPublishDuration)
	prometheus.MustRegister(BrokerQueueDepth)
	prometheus.MustRegister(KVOperationDuration)
	prometheus.MustRegister(AutoscalerDesiredWorkers)
	prometheus.MustRegister(AutoscalerBacklogDepth)
	prometheus.MustRegister(QuotaRejectionsTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueTask increments the enqueue counter with the given outcome label
// ("ok", "rejected_quota", "rejected_auth", "publish_failed").
func EnqueueTask(result string) {
	TasksEnqueuedTotal.WithLabelValues(result).Inc()
}

// StartTask increments the in-progress gauge.
func StartTask() {
	TasksInProgress.Inc()
}

// CompleteTask decrements in-progress and increments completed.
func CompleteTask() {
	TasksInProgress.Dec()
	TasksCompletedTotal.Inc()
}

// FailTask decrements in-progress and increments failed, keyed by reason.
func FailTask(reason string) {
	TasksInProgress.Dec()
	TasksFailedTotal.WithLabelValues(reason).Inc()
}

// EscalateToDLQ increments the DLQ counter.
func EscalateToDLQ() {
	TasksDLQTotal.Inc()
}

// RecordWorkerHeartbeat increments the heartbeat counter for a worker id.
func RecordWorkerHeartbeat(workerID string) {
	WorkerHeartbeatsTotal.WithLabelValues(workerID).Inc()
}

// RecordBrokerPublish observes publish duration for a queue.
func RecordBrokerPublish(queue string, dur time.Duration) {
	BrokerPublishDuration.WithLabelValues(queue).Observe(dur.Seconds())
}

// RecordQueueDepth records the last observed depth of a queue.
func RecordQueueDepth(queue string, depth int64) {
	BrokerQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordKVOperation observes KV operation duration.
func RecordKVOperation(operation string, dur time.Duration) {
	KVOperationDuration.WithLabelValues(operation).Observe(dur.Seconds())
}

// RecordAutoscalerDecision records the backlog depth and desired count from
// a scaling decision.
func RecordAutoscalerDecision(backlogDepth int64, desired int) {
	AutoscalerBacklogDepth.Set(float64(backlogDepth))
	AutoscalerDesiredWorkers.Set(float64(desired))
}

// RecordQuotaRejection increments the quota rejection counter for a backend.
func RecordQuotaRejection(backend string) {
	QuotaRejectionsTotal.WithLabelValues(backend).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
