package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	RunnersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "manager_runners_total",
			Help: "Total number of registered runners by availability",
		},
		[]string{"availability"},
	)

	RunnersStaleTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "manager_runners_stale_total",
			Help: "Number of runners evicted by the liveness sweep since startup",
		},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "manager_tasks_total",
			Help: "Total number of tasks currently held in memory by status",
		},
		[]string{"status"},
	)

	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "manager_tasks_submitted_total",
			Help: "Total number of tasks submitted via /task/execute",
		},
	)

	TasksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_tasks_rejected_total",
			Help: "Total number of tasks rejected at admission by reason",
		},
		[]string{"reason"},
	)

	TaskDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "manager_task_dispatch_duration_seconds",
			Help:    "Time taken to hand a task off to a selected runner",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Notify metrics
	NotifyAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_notify_attempts_total",
			Help: "Total number of completion callback attempts by outcome",
		},
		[]string{"outcome"},
	)

	NotifyRetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "manager_notify_retry_queue_depth",
			Help: "Number of tasks currently in the completion callback retry loop",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manager_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "manager_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Storage metrics
	StorageDateDirsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "manager_storage_date_dirs_total",
			Help: "Number of daily rotation directories currently on disk",
		},
	)
)

func init() {
	prometheus.MustRegister(RunnersTotal)
	prometheus.MustRegister(RunnersStaleTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksRejectedTotal)
	prometheus.MustRegister(TaskDispatchDuration)
	prometheus.MustRegister(NotifyAttemptsTotal)
	prometheus.MustRegister(NotifyRetryQueueDepth)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(StorageDateDirsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
