package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksEnqueued tracks tasks accepted by submit, by user and label.
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memgos_tasks_enqueued_total",
		Help: "Total number of tasks submitted to the scheduler",
	}, []string{"user_id", "task_type"})

	// TasksDequeued tracks tasks pulled off the queue (or executed inline).
	TasksDequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memgos_tasks_dequeued_total",
		Help: "Total number of tasks dequeued for dispatch",
	}, []string{"user_id", "task_type"})

	// TasksDropped tracks tasks evicted by per-stream overflow of the
	// in-memory queue; the Redis backend trims without counting.
	TasksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memgos_tasks_dropped_total",
		Help: "Tasks evicted from a full stream (drop-oldest policy)",
	}, []string{"user_id", "task_type"})

	// QueueLength samples per-user queue depth every monitor tick.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "memgos_queue_length",
		Help: "Current number of queued tasks per user",
	}, []string{"user_id"})

	// QueueWaitSeconds tracks time between enqueue and dequeue.
	QueueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memgos_queue_wait_seconds",
		Help:    "Time tasks spend in the queue before being picked up",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// HandlerDuration tracks handler execution time by label.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memgos_handler_duration_seconds",
		Help:    "Handler execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"task_type"})

	// HandlerFailures tracks handler invocations that ended in error or panic.
	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memgos_handler_failures_total",
		Help: "Handler invocations that failed",
	}, []string{"task_type", "reason"})

	// DispatcherSaturation tracks the ratio of in-flight tasks to max workers.
	DispatcherSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memgos_dispatcher_saturation",
		Help: "Ratio of in-flight tasks to max concurrency (0.0-1.0)",
	})

	// HandlerTimeouts tracks tasks marked failed after exceeding their TTL.
	HandlerTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memgos_handler_timeouts_total",
		Help: "Tasks forcibly marked failed due to TTL expiry",
	}, []string{"task_type"})

	// WebLogPublishFailures tracks failed event publish attempts.
	WebLogPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memgos_weblog_publish_failures_total",
		Help: "Failed web-log publish attempts (best-effort, event dropped)",
	}, []string{"label"})

	// ActivationRefreshes tracks activation cache refresh outcomes.
	ActivationRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memgos_activation_refreshes_total",
		Help: "Activation memory refresh attempts by outcome",
	}, []string{"outcome"}) // refreshed, skipped_identical, skipped_empty, error

	// RateLimited tracks submissions rejected by the sliding-window limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memgos_rate_limited_total",
		Help: "Requests rejected by the sliding window rate limiter",
	}, []string{"key"})

	// RedisLatency tracks shared-log operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memgos_redis_roundtrip_latency_seconds",
		Help:    "Shared log operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// LLMCallDuration tracks latency of process-LLM calls by operation.
	LLMCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "memgos_llm_call_duration_seconds",
		Help:    "Process LLM call latency by operation",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"operation"})
)
