package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycore/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	failOn error
}

func (f *fakeConn) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil {
		return f.failOn
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRegisterRejectsWrongSecret(t *testing.T) {
	r := New("correct-secret", time.Minute, Callbacks{})
	ack := r.Register(protocol.WorkerRegisterPayload{Secret: "wrong", Name: "w1"}, &fakeConn{})
	require.False(t, ack.Success)
	require.Zero(t, r.Count())
}

func TestRegisterAcceptsMatchingSecretAndFiresCallback(t *testing.T) {
	var connected string
	r := New("s3cr3t", time.Minute, Callbacks{
		OnConnected: func(name string) { connected = name },
	})
	ack := r.Register(protocol.WorkerRegisterPayload{Secret: "s3cr3t", Name: "w1", OS: "linux"}, &fakeConn{})
	require.True(t, ack.Success)
	require.Equal(t, "w1", connected)
	require.Equal(t, 1, r.Count())

	w, ok := r.Get("w1")
	require.True(t, ok)
	require.Equal(t, StatusOnline, w.Status)
	require.Equal(t, "linux", w.OS)
}

func TestReRegisterClosesPriorConnection(t *testing.T) {
	r := New("s3cr3t", time.Minute, Callbacks{})
	first := &fakeConn{}
	r.Register(protocol.WorkerRegisterPayload{Secret: "s3cr3t", Name: "w1"}, first)
	second := &fakeConn{}
	ack := r.Register(protocol.WorkerRegisterPayload{Secret: "s3cr3t", Name: "w1"}, second)

	require.True(t, ack.Success)
	require.True(t, first.closed)
	require.Equal(t, 1, r.Count())
}

func TestHeartbeatUnknownWorkerReturnsFalse(t *testing.T) {
	r := New("s3cr3t", time.Minute, Callbacks{})
	ok := r.Heartbeat("ghost", protocol.WorkerHeartbeatPayload{})
	require.False(t, ok)
}

func TestHeartbeatUpdatesStatus(t *testing.T) {
	r := New("s3cr3t", time.Minute, Callbacks{})
	r.Register(protocol.WorkerRegisterPayload{Secret: "s3cr3t", Name: "w1"}, &fakeConn{})

	ok := r.Heartbeat("w1", protocol.WorkerHeartbeatPayload{CurrentTaskID: "t1"})
	require.True(t, ok)
	w, _ := r.Get("w1")
	require.Equal(t, StatusBusy, w.Status)
	require.Equal(t, "t1", w.CurrentTaskID)

	r.Heartbeat("w1", protocol.WorkerHeartbeatPayload{})
	w, _ = r.Get("w1")
	require.Equal(t, StatusOnline, w.Status)
	require.Empty(t, w.CurrentTaskID)
}

func TestWatchdogDisconnectsSilentWorker(t *testing.T) {
	done := make(chan struct {
		name       string
		hadTask    bool
		lastTaskID string
	}, 1)
	r := New("s3cr3t", 20*time.Millisecond, Callbacks{
		OnDisconnected: func(name string, hadTask bool, lastTaskID string) {
			done <- struct {
				name       string
				hadTask    bool
				lastTaskID string
			}{name, hadTask, lastTaskID}
		},
	})
	r.Register(protocol.WorkerRegisterPayload{Secret: "s3cr3t", Name: "w1"}, &fakeConn{})
	r.Heartbeat("w1", protocol.WorkerHeartbeatPayload{CurrentTaskID: "t9"})

	select {
	case ev := <-done:
		require.Equal(t, "w1", ev.name)
		require.True(t, ev.hadTask)
		require.Equal(t, "t9", ev.lastTaskID)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	require.Zero(t, r.Count())
}

func TestGetAvailableWorkerPrefersRequestedWhenOnline(t *testing.T) {
	r := New("s3cr3t", time.Minute, Callbacks{})
	r.Register(protocol.WorkerRegisterPayload{Secret: "s3cr3t", Name: "a"}, &fakeConn{})
	r.Register(protocol.WorkerRegisterPayload{Secret: "s3cr3t", Name: "b"}, &fakeConn{})

	w, ok := r.GetAvailableWorker("b")
	require.True(t, ok)
	require.Equal(t, "b", w.Name)
}

func TestGetAvailableWorkerRoundRobinsAndSkipsBusy(t *testing.T) {
	r := New("s3cr3t", time.Minute, Callbacks{})
	r.Register(protocol.WorkerRegisterPayload{Secret: "s3cr3t", Name: "a"}, &fakeConn{})
	r.Register(protocol.WorkerRegisterPayload{Secret: "s3cr3t", Name: "b"}, &fakeConn{})
	r.MarkBusy("a", "t1")

	w, ok := r.GetAvailableWorker("")
	require.True(t, ok)
	require.Equal(t, "b", w.Name)
}

func TestGetAvailableWorkerNoneOnline(t *testing.T) {
	r := New("s3cr3t", time.Minute, Callbacks{})
	_, ok := r.GetAvailableWorker("")
	require.False(t, ok)
}

func TestSendToWorkerDisconnectsOnWriteFailure(t *testing.T) {
	var disconnected bool
	r := New("s3cr3t", time.Minute, Callbacks{
		OnDisconnected: func(name string, hadTask bool, lastTaskID string) { disconnected = true },
	})
	conn := &fakeConn{failOn: errors.New("broken pipe")}
	r.Register(protocol.WorkerRegisterPayload{Secret: "s3cr3t", Name: "a"}, conn)

	ok := r.SendToWorker("a", []byte("frame"))
	require.False(t, ok)
	require.True(t, disconnected)
	require.Zero(t, r.Count())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r := New("s3cr3t", time.Minute, Callbacks{})
	r.Disconnect("never-registered")
	r.Register(protocol.WorkerRegisterPayload{Secret: "s3cr3t", Name: "a"}, &fakeConn{})
	r.Disconnect("a")
	r.Disconnect("a")
	require.Zero(t, r.Count())
}
