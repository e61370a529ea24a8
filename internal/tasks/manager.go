package tasks

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"relaycore/internal/config"
	"relaycore/internal/errkind"
	"relaycore/internal/logging"
	"relaycore/internal/protocol"
	"relaycore/internal/registry"
	"relaycore/internal/telemetry"
)

// WorkerSource is the subset of the Worker Registry the Task Manager
// depends on, kept narrow so tests can supply a fake.
type WorkerSource interface {
	GetAvailableWorker(preferred string) (registry.Worker, bool)
	SendToWorker(name string, frame []byte) bool
	MarkBusy(name, taskID string)
	MarkIdle(name string)
}

// AttachmentFetcher downloads attachment bytes from a source URL ahead of
// the out-of-band file:transfer step.
type AttachmentFetcher interface {
	Fetch(ctx context.Context, sourceURL string) ([]byte, error)
}

const defaultAttachmentTransferBudget = 10 * time.Second

// pendingTransfer tracks one in-flight file:transfer awaiting its ack.
type pendingTransfer struct {
	fileName string
	done     chan protocol.FileTransferAckPayload
}

// Manager owns every Task, the FIFO queue, and dispatch. All mutation runs
// on one actor goroutine draining cmds, matching the teacher's
// mutex-guarded-struct discipline generalized to a channel-based actor
// loop for the Task Manager's non-commutative transitions (§5).
type Manager struct {
	cmds chan func()

	workers  WorkerSource
	sink     Sink
	fetcher  AttachmentFetcher
	sessions *sessionStore
	log      logging.Logger

	nextID int64

	queue []string
	tasks map[string]*Task

	timeoutTimers  map[string]*time.Timer
	throttle       map[string]*throttleState
	pendingAcks    map[string]*pendingTransfer // keyed by taskId+"|"+fileName
	taskTimeout      time.Duration
	throttleWindow   time.Duration
	queueCap         int
	attachmentBudget time.Duration
}

type throttleState struct {
	lastFired time.Time
	pending   bool
	timer     *time.Timer
}

// Options customizes timings; zero values take the §6 defaults.
type Options struct {
	TaskTimeout            time.Duration
	ThrottleWindow         time.Duration
	QueueCapacity          int
	SessionCap             int
	AttachmentTransferBudget time.Duration
}

// NewManager constructs a Manager and starts its actor goroutine.
func NewManager(workers WorkerSource, sink Sink, fetcher AttachmentFetcher, opts Options) *Manager {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = time.Duration(config.DefaultTaskTimeout) * time.Millisecond
	}
	if opts.ThrottleWindow <= 0 {
		opts.ThrottleWindow = time.Duration(config.ChatUpdateThrottle) * time.Millisecond
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = config.QueueCapacity
	}
	if opts.SessionCap <= 0 {
		opts.SessionCap = 2048
	}
	if opts.AttachmentTransferBudget <= 0 {
		opts.AttachmentTransferBudget = defaultAttachmentTransferBudget
	}
	m := &Manager{
		cmds:           make(chan func()),
		workers:        workers,
		sink:           sink,
		fetcher:        fetcher,
		sessions:       newSessionStore(opts.SessionCap),
		log:            logging.NewComponentLogger("TaskManager"),
		tasks:          make(map[string]*Task),
		timeoutTimers:  make(map[string]*time.Timer),
		throttle:       make(map[string]*throttleState),
		pendingAcks:    make(map[string]*pendingTransfer),
		taskTimeout:      opts.TaskTimeout,
		throttleWindow:   opts.ThrottleWindow,
		queueCap:         opts.QueueCapacity,
		attachmentBudget: opts.AttachmentTransferBudget,
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	for fn := range m.cmds {
		fn()
	}
}

func (m *Manager) doSync(fn func()) {
	done := make(chan struct{})
	m.cmds <- func() { fn(); close(done) }
	<-done
}

// do enqueues fn without waiting; order is preserved by the single channel.
func (m *Manager) do(fn func()) {
	m.cmds <- fn
}

var ErrQueueFull = fmt.Errorf("tasks: queue is full")

// CreateTask admits a new task per §4.3's admission rule: allocate an id,
// append to the FIFO, reject when full or carrying an oversized attachment.
func (m *Manager) CreateTask(opts CreateOptions) (Task, error) {
	for _, att := range opts.Attachments {
		if att.SizeBytes > config.AttachmentSizeCap {
			return Task{}, errkind.New(errkind.AttachmentTooLarge,
				fmt.Sprintf("attachment %q is %d bytes, exceeding the %d byte limit", att.FileName, att.SizeBytes, config.AttachmentSizeCap), nil)
		}
	}

	var result Task
	var err error
	m.doSync(func() {
		if len(m.queue) >= m.queueCap {
			err = ErrQueueFull
			return
		}
		id := fmt.Sprintf("task-%d", atomic.AddInt64(&m.nextID, 1))
		t := &Task{
			ID:              id,
			Prompt:          opts.Prompt,
			Status:          StatusQueued,
			WorkingDir:      opts.WorkingDir,
			PermissionMode:  opts.PermissionMode,
			TeamMode:        opts.TeamMode,
			ContinueSession: opts.ContinueSession,
			PriorSessionID:  opts.PriorSessionID,
			PreferredWorker: opts.PreferredWorker,
			Attachments:     append([]Attachment(nil), opts.Attachments...),
			ChatMessageID:   opts.ChatMessageID,
			ThreadID:        opts.ThreadID,
			RequesterID:     opts.RequesterID,
			CreatedAt:       time.Now(),
		}
		m.tasks[id] = t
		m.queue = append(m.queue, id)
		result = t.Snapshot()
		if m.sink != nil {
			m.sink.OnTaskQueued(result)
		}
	})
	if err != nil {
		return Task{}, err
	}
	m.DispatchNext()
	return result, nil
}

// DispatchNext is idempotent: it peeks the queue head and, if a worker is
// available, transitions it to Running and emits task:assign.
func (m *Manager) DispatchNext() {
	m.do(func() {
		m.dispatchNextLocked()
	})
}

func (m *Manager) dispatchNextLocked() {
	if len(m.queue) == 0 {
		return
	}
	id := m.queue[0]
	t, ok := m.tasks[id]
	if !ok || t.Status != StatusQueued {
		m.queue = m.queue[1:]
		return
	}
	w, ok := m.workers.GetAvailableWorker(t.PreferredWorker)
	if !ok {
		return
	}
	m.queue = m.queue[1:]

	if sid, found := m.sessions.get(w.Name, t.WorkingDir); found && t.ContinueSession && t.PriorSessionID == "" {
		t.PriorSessionID = sid
	}

	needsTransfer := false
	for _, a := range t.Attachments {
		if a.LocalPath == "" && a.SourceURL != "" {
			needsTransfer = true
			break
		}
	}

	if needsTransfer {
		go m.transferAttachments(t.ID, w.Name)
		return
	}

	m.beginRunLocked(t, w.Name)
}

// transferAttachments runs the fetch-and-transfer step off the actor
// goroutine (it performs network I/O and blocks on acks), then re-enters
// the actor loop to resume dispatch.
func (m *Manager) transferAttachments(taskID, workerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.attachmentBudget)
	defer cancel()

	var attachments []Attachment
	m.doSync(func() {
		if t, ok := m.tasks[taskID]; ok {
			attachments = append([]Attachment(nil), t.Attachments...)
		}
	})

	updated := make([]Attachment, len(attachments))
	copy(updated, attachments)

	for i, a := range attachments {
		if a.LocalPath != "" || a.SourceURL == "" {
			continue
		}
		if m.fetcher == nil {
			continue
		}
		data, err := m.fetcher.Fetch(ctx, a.SourceURL)
		if err != nil {
			m.log.Warn("attachment fetch failed for task %s file %q: %v", taskID, a.FileName, err)
			continue
		}
		ack, ok := m.sendFileTransfer(ctx, taskID, workerName, a.FileName, a.MimeType, data)
		if ok && ack.Success {
			updated[i].LocalPath = ack.LocalPath
		}
	}

	m.doSync(func() {
		t, ok := m.tasks[taskID]
		if !ok || t.Status != StatusQueued {
			return
		}
		t.Attachments = updated
		w, ok := m.workers.GetAvailableWorker(workerName)
		if !ok || w.Name != workerName {
			// Worker no longer available; requeue for the normal path to
			// pick a different one on the next dispatch tick.
			m.queue = append([]string{taskID}, m.queue...)
			return
		}
		m.beginRunLocked(t, workerName)
	})
}

func (m *Manager) sendFileTransfer(ctx context.Context, taskID, workerName, fileName, mimeType string, data []byte) (protocol.FileTransferAckPayload, bool) {
	key := taskID + "|" + fileName
	waiter := &pendingTransfer{fileName: fileName, done: make(chan protocol.FileTransferAckPayload, 1)}
	m.doSync(func() { m.pendingAcks[key] = waiter })
	defer m.doSync(func() { delete(m.pendingAcks, key) })

	frame, err := protocol.Encode(protocol.TagFileTransfer, protocol.FileTransferPayload{
		FileName:   fileName,
		ContentB64: encodeBase64(data),
		MimeType:   mimeType,
	}, taskID, workerName)
	if err != nil {
		return protocol.FileTransferAckPayload{}, false
	}
	if !m.workers.SendToWorker(workerName, frame) {
		return protocol.FileTransferAckPayload{}, false
	}

	select {
	case ack := <-waiter.done:
		return ack, true
	case <-ctx.Done():
		return protocol.FileTransferAckPayload{}, false
	}
}

// HandleFileTransferAck resolves a pending file:transfer correlated by
// (taskId, fileName).
func (m *Manager) HandleFileTransferAck(taskID string, ack protocol.FileTransferAckPayload) {
	m.do(func() {
		key := taskID + "|" + ack.FileName
		if w, ok := m.pendingAcks[key]; ok {
			select {
			case w.done <- ack:
			default:
			}
		}
	})
}

// beginRunLocked must run on the actor goroutine.
func (m *Manager) beginRunLocked(t *Task, workerName string) {
	_, span := telemetry.StartSpan(context.Background(), telemetry.SpanDispatch, t.ID, workerName)
	defer span.End()

	t.Status = StatusRunning
	t.WorkerID = workerName
	t.StartedAt = time.Now()
	m.workers.MarkBusy(workerName, t.ID)
	m.armTimeoutLocked(t.ID)

	frame, err := protocol.Encode(protocol.TagTaskAssign, protocol.TaskAssignPayload{
		Prompt:          t.Prompt,
		WorkingDir:      t.WorkingDir,
		PermissionMode:  t.PermissionMode,
		TeamMode:        t.TeamMode,
		ContinueSession: t.ContinueSession,
		SessionID:       t.PriorSessionID,
		Attachments:     toAttachmentRefs(t.Attachments),
	}, t.ID, workerName)
	if err != nil {
		telemetry.MarkSpanResult(span, err)
		m.failLocked(t, fmt.Sprintf("encode task:assign: %v", err))
		return
	}
	if !m.workers.SendToWorker(workerName, frame) {
		msg := fmt.Sprintf("%s: worker disconnected before assignment could be sent", errkind.WorkerDisconnect)
		telemetry.MarkSpanResult(span, errkind.New(errkind.WorkerDisconnect, msg, nil))
		m.failLocked(t, msg)
		return
	}
	telemetry.MarkSpanResult(span, nil)
	if m.sink != nil {
		m.sink.OnTaskStarted(t.Snapshot())
	}
}

func toAttachmentRefs(in []Attachment) []protocol.AttachmentRef {
	out := make([]protocol.AttachmentRef, len(in))
	for i, a := range in {
		out[i] = protocol.AttachmentRef{
			FileName:  a.FileName,
			MimeType:  a.MimeType,
			SizeBytes: a.SizeBytes,
			SourceURL: a.SourceURL,
			LocalPath: a.LocalPath,
		}
	}
	return out
}

func (m *Manager) armTimeoutLocked(taskID string) {
	m.clearTimeoutLocked(taskID)
	m.timeoutTimers[taskID] = time.AfterFunc(m.taskTimeout, func() {
		m.CancelTask(taskID, "timeout")
	})
}

func (m *Manager) clearTimeoutLocked(taskID string) {
	if t, ok := m.timeoutTimers[taskID]; ok {
		t.Stop()
		delete(m.timeoutTimers, taskID)
	}
}

// HandleStream folds one parsed stream event into task state (§4.3 Stream
// aggregation). Updates for tasks not Running are silently dropped.
func (m *Manager) HandleStream(taskID, eventType string, ev protocol.StreamEventData) {
	m.do(func() {
		t, ok := m.tasks[taskID]
		if !ok || t.Status != StatusRunning {
			return
		}
		_, span := telemetry.StartSpan(context.Background(), telemetry.SpanStream, taskID, t.WorkerID,
			attribute.String(telemetry.AttrEventType, eventType))
		defer span.End()
		switch eventType {
		case "assistant_message":
			t.ResultText += ev.Text
		case "tool_use_begin":
			t.ToolHistory = append(t.ToolHistory, ToolHistoryEntry{
				ToolName:  ev.ToolName,
				Summary:   ev.Summary,
				Status:    ToolRunning,
				Timestamp: time.Now(),
			})
		case "tool_use_end":
			for i := len(t.ToolHistory) - 1; i >= 0; i-- {
				if t.ToolHistory[i].Status == ToolRunning && t.ToolHistory[i].ToolName == ev.ToolName {
					t.ToolHistory[i].Summary = ev.Summary
					if ev.Success != nil && !*ev.Success {
						t.ToolHistory[i].Status = ToolError
					} else {
						t.ToolHistory[i].Status = ToolCompleted
					}
					break
				}
			}
		case "token_usage":
			if ev.Usage != nil {
				t.Usage = *ev.Usage
			}
		case "result":
			t.ResultText = ev.Text
			if ev.SessionID != "" {
				t.SessionID = ev.SessionID
			}
		case "error":
			t.ErrorMessage = ev.ErrorText
		}
		telemetry.MarkSpanResult(span, nil)
		m.scheduleThrottledUpdateLocked(t.ID)
	})
}

func (m *Manager) scheduleThrottledUpdateLocked(taskID string) {
	st, ok := m.throttle[taskID]
	if !ok {
		st = &throttleState{}
		m.throttle[taskID] = st
	}
	now := time.Now()
	if now.Sub(st.lastFired) >= m.throttleWindow {
		st.lastFired = now
		m.fireStreamUpdateLocked(taskID)
		return
	}
	if st.pending {
		return
	}
	st.pending = true
	delay := m.throttleWindow - now.Sub(st.lastFired)
	st.timer = time.AfterFunc(delay, func() {
		m.do(func() {
			s := m.throttle[taskID]
			if s == nil {
				return
			}
			s.pending = false
			s.lastFired = time.Now()
			m.fireStreamUpdateLocked(taskID)
		})
	})
}

func (m *Manager) fireStreamUpdateLocked(taskID string) {
	t, ok := m.tasks[taskID]
	if !ok || m.sink == nil {
		return
	}
	m.sink.OnTaskStreamUpdate(t.Snapshot())
}

// HandleComplete transitions a Running task to Completed.
func (m *Manager) HandleComplete(taskID string, payload protocol.TaskCompletePayload) {
	m.do(func() {
		t, ok := m.tasks[taskID]
		if !ok || t.Status != StatusRunning {
			return
		}
		t.ResultText = payload.ResultText
		t.Usage = payload.Usage
		if payload.SessionID != "" {
			t.SessionID = payload.SessionID
			m.sessions.put(t.WorkerID, t.WorkingDir, payload.SessionID)
		}
		m.completeLocked(t, StatusCompleted)
		if m.sink != nil {
			m.sink.OnTaskCompleted(t.Snapshot())
		}
	})
}

// HandleError transitions a Running task to Failed.
func (m *Manager) HandleError(taskID string, payload protocol.TaskErrorPayload) {
	m.do(func() {
		t, ok := m.tasks[taskID]
		if !ok || t.Status != StatusRunning {
			return
		}
		t.ErrorMessage = fmt.Sprintf("%s: %s", payload.Code, payload.Message)
		if payload.PartialResult != "" {
			t.ResultText = payload.PartialResult
		}
		t.Usage = payload.Usage
		m.completeLocked(t, StatusFailed)
		if m.sink != nil {
			m.sink.OnTaskFailed(t.Snapshot())
		}
	})
}

func (m *Manager) failLocked(t *Task, reason string) {
	t.ErrorMessage = reason
	m.completeLocked(t, StatusFailed)
	if m.sink != nil {
		m.sink.OnTaskFailed(t.Snapshot())
	}
}

// completeLocked applies the shared terminal-transition bookkeeping (§4.3):
// clear timers, release the worker, then advance the queue.
func (m *Manager) completeLocked(t *Task, status Status) {
	t.Status = status
	t.CompletedAt = time.Now()
	m.clearTimeoutLocked(t.ID)
	if st, ok := m.throttle[t.ID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(m.throttle, t.ID)
	}
	if t.WorkerID != "" {
		m.workers.MarkIdle(t.WorkerID)
	}
	m.dispatchNextLocked()
}

// CancelTask implements §4.3's cancel semantics; returns false for an
// unknown or already-terminal task.
func (m *Manager) CancelTask(taskID, reason string) bool {
	var cancelled bool
	m.doSync(func() {
		t, ok := m.tasks[taskID]
		if !ok || t.Status.Terminal() {
			return
		}
		switch t.Status {
		case StatusQueued:
			for i, id := range m.queue {
				if id == taskID {
					m.queue = append(m.queue[:i], m.queue[i+1:]...)
					break
				}
			}
			t.ErrorMessage = reason
			m.completeLocked(t, StatusCancelled)
		case StatusRunning:
			frame, err := protocol.Encode(protocol.TagTaskCancel, protocol.TaskCancelPayload{Reason: reason}, t.ID, t.WorkerID)
			if err == nil {
				m.workers.SendToWorker(t.WorkerID, frame)
			}
			t.ErrorMessage = reason
			m.completeLocked(t, StatusCancelled)
		}
		cancelled = true
		if m.sink != nil {
			m.sink.OnTaskCancelled(t.Snapshot())
		}
	})
	return cancelled
}

// HandleWorkerDisconnected fails any task that was running on the
// disconnected worker.
func (m *Manager) HandleWorkerDisconnected(workerID string, hadRunningTask bool, lastTaskID string) {
	if !hadRunningTask || lastTaskID == "" {
		return
	}
	m.do(func() {
		t, ok := m.tasks[lastTaskID]
		if !ok || t.Status != StatusRunning {
			return
		}
		t.ErrorMessage = fmt.Sprintf("%s: worker disconnected", errkind.WorkerDisconnect)
		m.completeLocked(t, StatusFailed)
		if m.sink != nil {
			m.sink.OnTaskFailed(t.Snapshot())
		}
	})
}

// HandleQuestion and HandlePermission relay out-of-band prompts to the
// sink without mutating task state.
func (m *Manager) HandleQuestion(taskID, requestID, question string, options []string) {
	m.do(func() {
		t, ok := m.tasks[taskID]
		if !ok || m.sink == nil {
			return
		}
		m.sink.OnTaskQuestion(t.Snapshot(), requestID, question, options)
	})
}

func (m *Manager) HandlePermission(taskID, requestID, toolName, summary string) {
	m.do(func() {
		t, ok := m.tasks[taskID]
		if !ok || m.sink == nil {
			return
		}
		m.sink.OnTaskPermission(t.Snapshot(), requestID, toolName, summary)
	})
}

// Get returns a snapshot of a task by id.
func (m *Manager) Get(taskID string) (Task, bool) {
	var out Task
	var ok bool
	m.doSync(func() {
		t, found := m.tasks[taskID]
		if found {
			out = t.Snapshot()
		}
		ok = found
	})
	return out, ok
}

// LatestSessionID surfaces the most recent completed session id for a
// (workerId, cwd) pair, for the adapter's continuation hint.
func (m *Manager) LatestSessionID(workerID, cwd string) (string, bool) {
	return m.sessions.get(workerID, cwd)
}

// QueueDepth returns the current count of queued (not yet dispatched)
// tasks, for telemetry.
func (m *Manager) QueueDepth() int {
	var n int
	m.doSync(func() { n = len(m.queue) })
	return n
}

// Close stops the actor goroutine. Not required for process-lifetime
// managers; provided for tests.
func (m *Manager) Close() {
	close(m.cmds)
}
