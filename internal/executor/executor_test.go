package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycore/internal/protocol"
)

// writeFakeCLI creates an executable shell script standing in for the
// assistant CLI binary, emitting the given stream-json lines verbatim.
func writeFakeCLI(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestRunSucceedsAndAggregatesResult(t *testing.T) {
	cli := writeFakeCLI(t, `
echo '{"type":"assistant","message":{"content":"hi"}}'
echo '{"type":"result","result":"done","session_id":"sess-9","modelUsage":{"m":{"inputTokens":1,"outputTokens":2}}}'
exit 0
`)
	e := New(Config{BinaryPath: cli})
	var seen []string
	res := e.Run(context.Background(), RunRequest{
		TaskID:     "t1",
		Prompt:     "hello",
		WorkingDir: t.TempDir(),
	}, func(eventType string, _ protocol.StreamEventData) {
		seen = append(seen, eventType)
	})
	require.NotEmpty(t, seen)
	require.True(t, res.Success)
	require.Equal(t, "done", res.ResultText)
	require.Equal(t, "sess-9", res.SessionID)
	require.Equal(t, 1, res.Usage.Input)
	require.Equal(t, 2, res.Usage.Output)
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	cli := writeFakeCLI(t, `
echo '{"type":"assistant","message":{"content":"partial"}}'
exit 7
`)
	e := New(Config{BinaryPath: cli})
	res := e.Run(context.Background(), RunRequest{
		TaskID:     "t2",
		Prompt:     "hello",
		WorkingDir: t.TempDir(),
	}, nil)
	require.False(t, res.Success)
	require.Equal(t, "EXIT_7", res.ErrorCode)
}

func TestRunRejectsMissingWorkingDir(t *testing.T) {
	e := New(Config{BinaryPath: "irrelevant"})
	res := e.Run(context.Background(), RunRequest{
		TaskID:     "t3",
		Prompt:     "hello",
		WorkingDir: "/no/such/directory/relaycore-test",
	}, nil)
	require.False(t, res.Success)
	require.Equal(t, "SPAWN_ERROR", res.ErrorCode)
}

func TestRunTimesOut(t *testing.T) {
	cli := writeFakeCLI(t, `sleep 5`)
	e := New(Config{BinaryPath: cli})
	res := e.Run(context.Background(), RunRequest{
		TaskID:     "t4",
		Prompt:     "hello",
		WorkingDir: t.TempDir(),
		Timeout:    50 * time.Millisecond,
	}, nil)
	require.False(t, res.Success)
	require.Equal(t, "TIMEOUT", res.ErrorCode)
}

func TestWriteAttachmentAndCleanup(t *testing.T) {
	e := New(Config{BinaryPath: "irrelevant"})
	path, err := e.WriteAttachment("t5", "note.txt", []byte("content"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "content", string(data))

	e.Cleanup("t5")
	_, err = os.Stat(e.TaskDir("t5"))
	require.True(t, os.IsNotExist(err))
}
