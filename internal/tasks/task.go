// Package tasks implements the Task Manager (§4.3): task admission, the
// Queued -> Running -> {Completed, Failed, Cancelled} state machine,
// dispatch to the Worker Registry, stream aggregation, throttled update
// callbacks, cancellation and timeout. It follows the teacher's actor-loop
// discipline (a single goroutine draining a command channel) for the same
// reason the teacher picked it for non-commutative state transitions.
package tasks

import (
	"time"

	"relaycore/internal/protocol"
)

// Status is a Task's place in the state machine (§4.3).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ToolHistoryStatus is the lifecycle of one tool-use entry.
type ToolHistoryStatus string

const (
	ToolRunning   ToolHistoryStatus = "running"
	ToolCompleted ToolHistoryStatus = "completed"
	ToolError     ToolHistoryStatus = "error"
)

// ToolHistoryEntry records one tool invocation observed in the stream.
type ToolHistoryEntry struct {
	ToolName  string
	Summary   string
	Status    ToolHistoryStatus
	Timestamp time.Time
}

// Attachment is a task-scoped file reference, resolved to a worker-local
// path once the fetch-and-transfer step (or direct upload) completes.
type Attachment struct {
	FileName  string
	MimeType  string
	SizeBytes int64
	SourceURL string
	LocalPath string
}

// CreateOptions are the caller-supplied admission parameters for a new
// task.
type CreateOptions struct {
	Prompt          string
	WorkingDir      string
	PermissionMode  protocol.PermissionMode
	TeamMode        bool
	ContinueSession bool
	PriorSessionID  string
	PreferredWorker string
	Attachments     []Attachment
	ChatMessageID   string
	ThreadID        string
	RequesterID     string
}

// Task is the Task Manager's record of one unit of work (§3).
type Task struct {
	ID         string
	Prompt     string
	Status     Status
	WorkerID   string
	WorkingDir string

	PermissionMode  protocol.PermissionMode
	TeamMode        bool
	ContinueSession bool
	PriorSessionID  string
	PreferredWorker string

	Attachments []Attachment
	ToolHistory []ToolHistoryEntry

	ResultText   string
	ErrorMessage string
	Usage        protocol.TokenUsage
	SessionID    string

	ChatMessageID string
	ThreadID      string
	RequesterID   string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Snapshot returns a value copy, safe to hand outside the actor loop.
func (t *Task) Snapshot() Task {
	cp := *t
	cp.Attachments = append([]Attachment(nil), t.Attachments...)
	cp.ToolHistory = append([]ToolHistoryEntry(nil), t.ToolHistory...)
	return cp
}
