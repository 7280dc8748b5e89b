package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Consumer metrics
	TasksConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_tasks_consumed_total",
			Help: "Total number of tasks dequeued, by priority",
		},
		[]string{"priority"},
	)

	TaskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_task_outcomes_total",
			Help: "Task outcomes by class (success, failed, timeout, retry, rejected)",
		},
		[]string{"outcome"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_task_duration_seconds",
			Help:    "Handler execution duration in seconds, by task type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	ActiveExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_executions",
			Help: "Number of in-flight task executions",
		},
	)

	// Broker metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_queue_depth",
			Help: "Visible tasks per priority queue",
		},
		[]string{"queue"},
	)

	// Injector metrics
	ProxyCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_proxy_cache_size",
			Help: "Number of cached proxies across all buckets",
		},
	)

	CredentialCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_credential_cache_size",
			Help: "Number of cached credentials across all markets",
		},
	)

	// Drain metrics
	TasksRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_tasks_requeued_total",
			Help: "Tasks returned to the queue during graceful drain",
		},
	)

	// Autoscaler metrics
	ScaleActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_scale_actions_total",
			Help: "Scaling actions applied, by deployment and direction",
		},
		[]string{"deployment", "action"},
	)
)

func init() {
	prometheus.MustRegister(TasksConsumed)
	prometheus.MustRegister(TaskOutcomes)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(ActiveExecutions)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ProxyCacheSize)
	prometheus.MustRegister(CredentialCacheSize)
	prometheus.MustRegister(TasksRequeued)
	prometheus.MustRegister(ScaleActions)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
