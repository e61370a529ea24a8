// Package registry tracks connected Workers, their heartbeats, and
// round-robin assignment (§4.2). It is a mutex-guarded struct rather than
// an actor loop: every method is a short, bounded critical section, which
// is the same tradeoff the teacher makes for its process manager in
// internal/devops/process.
package registry

import (
	"crypto/subtle"
	"sync"
	"time"

	"relaycore/internal/config"
	"relaycore/internal/logging"
	"relaycore/internal/protocol"
)

// Callbacks are invoked outside the registry's lock.
type Callbacks struct {
	// OnConnected fires once a worker has passed authentication and been
	// recorded.
	OnConnected func(name string)
	// OnDisconnected fires when a worker is removed, either because its
	// heartbeat watchdog expired or its connection closed. hadRunningTask
	// reports whether the worker had a task assigned at removal time, so
	// the Task Manager can fail it.
	OnDisconnected func(name string, hadRunningTask bool, lastTaskID string)
}

// Registry holds all connected workers.
type Registry struct {
	mu       sync.Mutex
	secret   string
	watchdog time.Duration
	workers  map[string]*Worker
	timers   map[string]*time.Timer
	rrOrder  []string
	rrNext   int
	cb       Callbacks
	log      logging.Logger
}

// New constructs a Registry. watchdog defaults to config.HeartbeatWatchdog
// (in milliseconds) when zero is passed.
func New(secret string, watchdog time.Duration, cb Callbacks) *Registry {
	if watchdog <= 0 {
		watchdog = time.Duration(config.HeartbeatWatchdog) * time.Millisecond
	}
	return &Registry{
		secret:   secret,
		watchdog: watchdog,
		workers:  make(map[string]*Worker),
		timers:   make(map[string]*time.Timer),
		cb:       cb,
		log:      logging.NewComponentLogger("WorkerRegistry"),
	}
}

// secretsMatch compares equal-length secrets in constant time; secrets of
// different lengths are rejected early, so the length is not hidden.
func secretsMatch(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Register authenticates and records a worker connection. On secret
// mismatch it returns a failed ack and the caller must close conn; success
// replaces any prior record under the same name (a reconnect), tearing
// down its old timer and connection first.
func (r *Registry) Register(payload protocol.WorkerRegisterPayload, conn Conn) protocol.WorkerRegisterAckPayload {
	if !secretsMatch(payload.Secret, r.secret) {
		r.log.Warn("rejected registration from %q: bad secret", payload.Name)
		return protocol.WorkerRegisterAckPayload{Success: false, Reason: "invalid shared secret"}
	}

	r.mu.Lock()
	if existing, ok := r.workers[payload.Name]; ok {
		r.stopTimerLocked(payload.Name)
		if existing.conn != nil {
			_ = existing.conn.Close()
		}
		r.removeFromOrderLocked(payload.Name)
	}

	w := &Worker{
		Name:               payload.Name,
		Status:             StatusOnline,
		OS:                 payload.OS,
		RuntimeVersion:     payload.RuntimeVersion,
		DefaultWorkingDir:  payload.DefaultWorkingDir,
		AllowedDirectories: payload.AllowedDirectories,
		LastHeartbeat:      time.Now(),
		ConnectedAt:        time.Now(),
		conn:               conn,
	}
	r.workers[payload.Name] = w
	r.rrOrder = append(r.rrOrder, payload.Name)
	r.armWatchdogLocked(payload.Name)
	r.mu.Unlock()

	r.log.Info("worker %q registered", payload.Name)
	if r.cb.OnConnected != nil {
		r.cb.OnConnected(payload.Name)
	}
	return protocol.WorkerRegisterAckPayload{Success: true}
}

// Heartbeat refreshes a worker's liveness and self-reported status. It
// returns false if the worker is not currently registered (the caller
// should treat this as a protocol violation and close the connection).
func (r *Registry) Heartbeat(name string, payload protocol.WorkerHeartbeatPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[name]
	if !ok {
		return false
	}
	w.LastHeartbeat = time.Now()
	if payload.CurrentTaskID != "" {
		w.Status = StatusBusy
		w.CurrentTaskID = payload.CurrentTaskID
	} else {
		w.Status = StatusOnline
		w.CurrentTaskID = ""
	}
	r.armWatchdogLocked(name)
	return true
}

// Disconnect removes a worker immediately, e.g. on a closed socket. It is
// idempotent: disconnecting an unknown name is a no-op.
func (r *Registry) Disconnect(name string) {
	r.mu.Lock()
	w, ok := r.workers[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	hadTask := w.CurrentTaskID != ""
	lastTaskID := w.CurrentTaskID
	r.stopTimerLocked(name)
	delete(r.workers, name)
	r.removeFromOrderLocked(name)
	r.mu.Unlock()

	r.log.Info("worker %q disconnected (hadRunningTask=%v)", name, hadTask)
	if r.cb.OnDisconnected != nil {
		r.cb.OnDisconnected(name, hadTask, lastTaskID)
	}
}

// armWatchdogLocked must be called with mu held.
func (r *Registry) armWatchdogLocked(name string) {
	r.stopTimerLocked(name)
	r.timers[name] = time.AfterFunc(r.watchdog, func() {
		r.log.Warn("worker %q missed heartbeat watchdog, disconnecting", name)
		r.Disconnect(name)
	})
}

func (r *Registry) stopTimerLocked(name string) {
	if t, ok := r.timers[name]; ok {
		t.Stop()
		delete(r.timers, name)
	}
}

func (r *Registry) removeFromOrderLocked(name string) {
	for i, n := range r.rrOrder {
		if n == name {
			r.rrOrder = append(r.rrOrder[:i], r.rrOrder[i+1:]...)
			return
		}
	}
}

// GetAvailableWorker returns preferred if it exists and is Online;
// otherwise it walks the round-robin order starting after the last pick
// and returns the first Online worker found.
func (r *Registry) GetAvailableWorker(preferred string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if preferred != "" {
		if w, ok := r.workers[preferred]; ok && w.Status == StatusOnline {
			return w.Snapshot(), true
		}
	}

	n := len(r.rrOrder)
	for i := 0; i < n; i++ {
		idx := (r.rrNext + i) % n
		name := r.rrOrder[idx]
		w, ok := r.workers[name]
		if !ok || w.Status != StatusOnline {
			continue
		}
		r.rrNext = (idx + 1) % n
		return w.Snapshot(), true
	}
	return Worker{}, false
}

// SendToWorker writes a pre-encoded frame to the named worker's
// connection. It returns false if the worker is unknown or the write
// fails; a write failure also triggers Disconnect.
func (r *Registry) SendToWorker(name string, frame []byte) bool {
	r.mu.Lock()
	w, ok := r.workers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := w.conn.Send(frame); err != nil {
		r.log.Warn("send to worker %q failed: %v", name, err)
		r.Disconnect(name)
		return false
	}
	return true
}

// Get returns a snapshot of the named worker.
func (r *Registry) Get(name string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[name]
	if !ok {
		return Worker{}, false
	}
	return w.Snapshot(), true
}

// MarkBusy records that a worker has been assigned taskID.
func (r *Registry) MarkBusy(name, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[name]; ok {
		w.Status = StatusBusy
		w.CurrentTaskID = taskID
	}
}

// MarkIdle releases a worker back to Online after its task reaches a
// terminal state.
func (r *Registry) MarkIdle(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[name]; ok {
		w.Status = StatusOnline
		w.CurrentTaskID = ""
	}
}

// Count returns the number of currently registered workers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// All returns a snapshot of every registered worker, in no particular
// order.
func (r *Registry) All() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Snapshot())
	}
	return out
}
