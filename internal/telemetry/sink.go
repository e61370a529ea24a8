package telemetry

import "relaycore/internal/tasks"

// MetricsSink wraps another tasks.Sink, recording terminal-state counters
// and forwarding every call unchanged. Compose it around adapter.LoggingSink
// (or any chat adapter) rather than replacing it.
type MetricsSink struct {
	next    tasks.Sink
	metrics *Metrics
}

// NewMetricsSink wraps next with metric recording.
func NewMetricsSink(next tasks.Sink, metrics *Metrics) *MetricsSink {
	return &MetricsSink{next: next, metrics: metrics}
}

func (s *MetricsSink) OnTaskQueued(t tasks.Task) { s.next.OnTaskQueued(t) }

func (s *MetricsSink) OnTaskStarted(t tasks.Task) { s.next.OnTaskStarted(t) }

func (s *MetricsSink) OnTaskStreamUpdate(t tasks.Task) { s.next.OnTaskStreamUpdate(t) }

func (s *MetricsSink) OnTaskCompleted(t tasks.Task) {
	s.metrics.TasksCompleted.Inc()
	s.next.OnTaskCompleted(t)
}

func (s *MetricsSink) OnTaskFailed(t tasks.Task) {
	s.metrics.TasksFailed.Inc()
	s.next.OnTaskFailed(t)
}

func (s *MetricsSink) OnTaskCancelled(t tasks.Task) {
	s.metrics.TasksCancelled.Inc()
	s.next.OnTaskCancelled(t)
}

func (s *MetricsSink) OnTaskQuestion(t tasks.Task, requestID, question string, options []string) {
	s.next.OnTaskQuestion(t, requestID, question, options)
}

func (s *MetricsSink) OnTaskPermission(t tasks.Task, requestID, toolName, summary string) {
	s.next.OnTaskPermission(t, requestID, toolName, summary)
}
