package workerapp

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycore/internal/config"
	"relaycore/internal/protocol"
)

func writeFakeCLI(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newTestApp(t *testing.T, cliPath string) *App {
	cfg := config.Worker{
		CoordinatorURL:    "ws://example.invalid/ws",
		SharedSecret:      "s3cr3t",
		Name:              "worker-1",
		DefaultWorkingDir: t.TempDir(),
	}
	return New(cfg, cliPath)
}

func TestHandleEnvelopeTaskAssignRunsExecutorAgainstAllowedDir(t *testing.T) {
	cli := writeFakeCLI(t, `
echo '{"type":"result","result":"done","session_id":"s1"}'
exit 0
`)
	app := newTestApp(t, cli)

	payload := protocol.TaskAssignPayload{Prompt: "hello", WorkingDir: app.Config.DefaultWorkingDir}
	raw, err := protocol.Encode(protocol.TagTaskAssign, payload, "task-1", "worker-1")
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)

	app.HandleEnvelope(env)

	require.Eventually(t, func() bool {
		app.mu.Lock()
		defer app.mu.Unlock()
		_, running := app.cancels["task-1"]
		return !running
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunTaskRejectsDisallowedWorkingDir(t *testing.T) {
	cli := writeFakeCLI(t, `exit 0`)
	cfg := config.Worker{
		CoordinatorURL:     "ws://example.invalid/ws",
		SharedSecret:       "s3cr3t",
		Name:               "worker-1",
		DefaultWorkingDir:  t.TempDir(),
		AllowedDirectories: []string{"/nowhere"},
	}
	app := New(cfg, cli)

	payload := protocol.TaskAssignPayload{Prompt: "hello", WorkingDir: app.Config.DefaultWorkingDir}
	raw, err := protocol.Encode(protocol.TagTaskAssign, payload, "task-2", "worker-1")
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)

	app.runTask(env.TaskID, payload)

	app.mu.Lock()
	_, running := app.cancels["task-2"]
	app.mu.Unlock()
	require.False(t, running)
}

func TestHandleEnvelopeCancelCancelsRunningTask(t *testing.T) {
	cli := writeFakeCLI(t, `sleep 5; exit 0`)
	app := newTestApp(t, cli)

	payload := protocol.TaskAssignPayload{Prompt: "hello", WorkingDir: app.Config.DefaultWorkingDir}
	raw, err := protocol.Encode(protocol.TagTaskAssign, payload, "task-3", "worker-1")
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)

	go app.runTask(env.TaskID, payload)

	require.Eventually(t, func() bool {
		app.mu.Lock()
		defer app.mu.Unlock()
		_, running := app.cancels["task-3"]
		return running
	}, time.Second, 5*time.Millisecond)

	cancelRaw, err := protocol.Encode(protocol.TagTaskCancel, protocol.TaskCancelPayload{Reason: "test"}, "task-3", "worker-1")
	require.NoError(t, err)
	cancelEnv, err := protocol.Decode(cancelRaw)
	require.NoError(t, err)
	app.HandleEnvelope(cancelEnv)

	require.Eventually(t, func() bool {
		app.mu.Lock()
		defer app.mu.Unlock()
		_, running := app.cancels["task-3"]
		return !running
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCurrentTaskIDReflectsRunningTask(t *testing.T) {
	cli := writeFakeCLI(t, `sleep 5; exit 0`)
	app := newTestApp(t, cli)

	require.Equal(t, "", app.CurrentTaskID())

	payload := protocol.TaskAssignPayload{Prompt: "hello", WorkingDir: app.Config.DefaultWorkingDir}
	raw, err := protocol.Encode(protocol.TagTaskAssign, payload, "task-6", "worker-1")
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)

	go app.runTask(env.TaskID, payload)

	require.Eventually(t, func() bool {
		return app.CurrentTaskID() == "task-6"
	}, time.Second, 5*time.Millisecond)

	app.cancelTask("task-6")

	require.Eventually(t, func() bool {
		return app.CurrentTaskID() == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleFileTransferWritesAttachment(t *testing.T) {
	app := newTestApp(t, "/bin/true")

	content := []byte("file contents")
	raw, err := protocol.Encode(protocol.TagFileTransfer, protocol.FileTransferPayload{
		FileName:   "notes.txt",
		ContentB64: base64.StdEncoding.EncodeToString(content),
		MimeType:   "text/plain",
	}, "task-4", "worker-1")
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)

	app.HandleEnvelope(env)

	written, err := os.ReadFile(filepath.Join(app.Executor.TaskDir("task-4"), "notes.txt"))
	require.NoError(t, err)
	require.Equal(t, content, written)
}

func TestHandleFileTransferRejectsInvalidBase64(t *testing.T) {
	app := newTestApp(t, "/bin/true")

	raw, err := protocol.Encode(protocol.TagFileTransfer, protocol.FileTransferPayload{
		FileName:   "bad.txt",
		ContentB64: "not-valid-base64!!",
	}, "task-5", "worker-1")
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)

	app.HandleEnvelope(env)

	_, err = os.Stat(filepath.Join(app.Executor.TaskDir("task-5"), "bad.txt"))
	require.Error(t, err)
}
