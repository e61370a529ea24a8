package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycore/internal/protocol"
	"relaycore/internal/registry"
)

type recordingDispatcher struct {
	envelopes chan protocol.Envelope
}

func (d *recordingDispatcher) HandleEnvelope(workerName string, env protocol.Envelope) {
	d.envelopes <- env
}

type clientRecorder struct {
	envelopes chan protocol.Envelope
}

func (c *clientRecorder) HandleEnvelope(env protocol.Envelope) {
	c.envelopes <- env
}

func (c *clientRecorder) CurrentTaskID() string { return "" }

func TestClientServerHandshakeAndRoundTrip(t *testing.T) {
	reg := registry.New("s3cr3t", time.Minute, registry.Callbacks{})
	dispatcher := &recordingDispatcher{envelopes: make(chan protocol.Envelope, 4)}
	srv := NewServer(reg, dispatcher)
	srv.AuthTimeout = 2 * time.Second

	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	clientRec := &clientRecorder{envelopes: make(chan protocol.Envelope, 4)}
	client := NewClient(wsURL, "s3cr3t", ClientIdentity{Name: "w1", OS: "linux"}, clientRec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := reg.Get("w1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	ok := reg.SendToWorker("w1", mustEncode(t, protocol.TagTaskCancel, protocol.TaskCancelPayload{Reason: "test"}, "task-1", "w1"))
	require.True(t, ok)

	select {
	case env := <-clientRec.envelopes:
		require.Equal(t, protocol.TagTaskCancel, env.Type)
		require.Equal(t, "task-1", env.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received server-sent envelope")
	}

	require.NoError(t, client.Send(protocol.TagTaskStream, protocol.TaskStreamPayload{EventType: "assistant_message"}, "task-1"))
	select {
	case env := <-dispatcher.envelopes:
		require.Equal(t, protocol.TagTaskStream, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received client-sent envelope")
	}
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	reg := registry.New("s3cr3t", time.Minute, registry.Callbacks{})
	srv := NewServer(reg, nil)

	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	clientRec := &clientRecorder{envelopes: make(chan protocol.Envelope, 1)}
	client := NewClient(wsURL, "wrong-secret", ClientIdentity{Name: "w2"}, clientRec)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = client.Run(ctx)

	_, ok := reg.Get("w2")
	require.False(t, ok)
}

func TestBackoffStaysWithinCapAndGrowsWithAttempt(t *testing.T) {
	d1 := backoff(1)
	d5 := backoff(5)
	require.Less(t, d1, 3*time.Second)
	require.LessOrEqual(t, d5, 90*time.Second)
	require.Greater(t, d5, d1)
}

func mustEncode(t *testing.T, tag protocol.Tag, payload any, taskID, workerID string) []byte {
	t.Helper()
	frame, err := protocol.Encode(tag, payload, taskID, workerID)
	require.NoError(t, err)
	return frame
}
