// Package adapter is the chat-adapter boundary (§6): it consumes Task
// Manager callbacks and Worker Registry connect/disconnect events and
// externalises them to a destination (an outer chat channel, a log, a
// test recorder). This repo ships a LoggingSink; the channel-specific
// chat adapters named in the distillation are out of scope (no wired
// component given they require a networked chat SDK not present in the
// example pack).
package adapter

import (
	"fmt"

	"relaycore/internal/logging"
	"relaycore/internal/tasks"
)

// LoggingSink implements tasks.Sink by writing one structured log line per
// event, matching the teacher's "always have a no-op-safe default sink"
// convention.
type LoggingSink struct {
	log logging.Logger
}

// NewLoggingSink returns a Sink that logs every task transition.
func NewLoggingSink() *LoggingSink {
	return &LoggingSink{log: logging.NewComponentLogger("ChatAdapter")}
}

func (s *LoggingSink) OnTaskQueued(t tasks.Task) {
	s.log.Info("task %s queued (requester=%s)", t.ID, t.RequesterID)
}

func (s *LoggingSink) OnTaskStarted(t tasks.Task) {
	s.log.Info("task %s started on worker %s", t.ID, t.WorkerID)
}

func (s *LoggingSink) OnTaskStreamUpdate(t tasks.Task) {
	s.log.Debug("task %s stream update (%d tool entries, %d chars result)", t.ID, len(t.ToolHistory), len(t.ResultText))
}

func (s *LoggingSink) OnTaskCompleted(t tasks.Task) {
	s.log.Info("task %s completed in %s", t.ID, t.CompletedAt.Sub(t.StartedAt))
}

func (s *LoggingSink) OnTaskFailed(t tasks.Task) {
	s.log.Warn("task %s failed: %s", t.ID, t.ErrorMessage)
}

func (s *LoggingSink) OnTaskCancelled(t tasks.Task) {
	s.log.Info("task %s cancelled: %s", t.ID, t.ErrorMessage)
}

func (s *LoggingSink) OnTaskQuestion(t tasks.Task, requestID, question string, options []string) {
	s.log.Info("task %s asked (%s): %s %v", t.ID, requestID, question, options)
}

func (s *LoggingSink) OnTaskPermission(t tasks.Task, requestID, toolName, summary string) {
	s.log.Info("task %s requests permission (%s) for %s: %s", t.ID, requestID, toolName, summary)
}

// RecordingSink accumulates every call for test assertions.
type RecordingSink struct {
	Events []string
}

func (s *RecordingSink) record(kind, taskID string) {
	s.Events = append(s.Events, fmt.Sprintf("%s:%s", kind, taskID))
}

func (s *RecordingSink) OnTaskQueued(t tasks.Task)        { s.record("queued", t.ID) }
func (s *RecordingSink) OnTaskStarted(t tasks.Task)       { s.record("started", t.ID) }
func (s *RecordingSink) OnTaskStreamUpdate(t tasks.Task)  { s.record("stream", t.ID) }
func (s *RecordingSink) OnTaskCompleted(t tasks.Task)     { s.record("completed", t.ID) }
func (s *RecordingSink) OnTaskFailed(t tasks.Task)        { s.record("failed", t.ID) }
func (s *RecordingSink) OnTaskCancelled(t tasks.Task)     { s.record("cancelled", t.ID) }
func (s *RecordingSink) OnTaskQuestion(t tasks.Task, requestID, question string, options []string) {
	s.record("question", t.ID)
}
func (s *RecordingSink) OnTaskPermission(t tasks.Task, requestID, toolName, summary string) {
	s.record("permission", t.ID)
}
