package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	Registry *prometheus.Registry

	// Dispatch metrics
	Dispatches       *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	QueueEnqueued    prometheus.Counter

	// Subscription metrics
	Subscriptions *prometheus.CounterVec

	// Monitor metrics
	MonitorChecks *prometheus.CounterVec
	MonitorPushes *prometheus.CounterVec
}

// NewMetrics creates all application metrics on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total number of dispatch calls by audience and result",
		}, []string{"audience", "result"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of per-subscription deliveries by outcome",
		}, []string{"outcome"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent delivering one dispatch to its audience",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		QueueEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Total number of dispatch requests handed to the async queue",
		}),

		Subscriptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_operations_total",
			Help:      "Total number of subscription operations by kind",
		}, []string{"operation", "user_type"}),

		MonitorChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_checks_total",
			Help:      "Total number of monitor checks by monitor and result",
		}, []string{"monitor", "result"}),
		MonitorPushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_pushes_total",
			Help:      "Total number of notifications triggered by a monitor",
		}, []string{"monitor"}),
	}
}
