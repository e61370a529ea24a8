package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector this process exposes on
// /metrics.
type Metrics struct {
	QueueDepth        prometheus.Gauge
	WorkersOnline     prometheus.Gauge
	TasksCompleted    prometheus.Counter
	TasksFailed       prometheus.Counter
	TasksCancelled    prometheus.Counter
	DispatchLatencyMs prometheus.Histogram
}

// NewMetrics registers and returns the process's metric set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaycore_queue_depth",
			Help: "Number of tasks currently queued but not yet dispatched.",
		}),
		WorkersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaycore_workers_online",
			Help: "Number of workers currently registered and online.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycore_tasks_completed_total",
			Help: "Total tasks that reached the Completed state.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycore_tasks_failed_total",
			Help: "Total tasks that reached the Failed state.",
		}),
		TasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycore_tasks_cancelled_total",
			Help: "Total tasks that reached the Cancelled state.",
		}),
		DispatchLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaycore_dispatch_latency_milliseconds",
			Help:    "Time from task admission to dispatch.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),
	}
	reg.MustRegister(m.QueueDepth, m.WorkersOnline, m.TasksCompleted, m.TasksFailed, m.TasksCancelled, m.DispatchLatencyMs)
	return m
}
