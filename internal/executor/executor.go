// Package executor is the Worker-side Process Executor (§4.5): it spawns
// the assistant CLI, feeds its stdout into the Stream Parser, accumulates
// stderr, and classifies the exit. It is a direct repurposing of the
// teacher's internal/external/claudecode executor (bufio.Scanner over
// stdout, subprocess.New for the child) generalized from Claude-Code-
// specific request/response types to this protocol's task-assignment
// shape.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaycore/internal/config"
	"relaycore/internal/errkind"
	"relaycore/internal/logging"
	"relaycore/internal/protocol"
	"relaycore/internal/stream"
	"relaycore/internal/subprocess"
	"relaycore/internal/telemetry"
)

const stderrCap = 64 * 1024

// Config configures the executor for a Worker process.
type Config struct {
	BinaryPath string
	Env        map[string]string
}

// Executor spawns and supervises one assistant CLI invocation at a time
// per task; each task gets its own Subprocess and temp directory.
type Executor struct {
	cfg Config
	log logging.Logger
}

// New returns an Executor; BinaryPath defaults to "claude" if unset.
func New(cfg Config) *Executor {
	if strings.TrimSpace(cfg.BinaryPath) == "" {
		cfg.BinaryPath = "claude"
	}
	return &Executor{cfg: cfg, log: logging.NewComponentLogger("ProcessExecutor")}
}

// AttachmentInput is a resolved attachment ready for the prompt.
type AttachmentInput struct {
	FileName  string
	LocalPath string
}

// RunRequest is one task assignment translated into CLI invocation
// parameters.
type RunRequest struct {
	TaskID         string
	Prompt         string
	WorkingDir     string
	PermissionMode protocol.PermissionMode
	SessionID      string
	Attachments    []AttachmentInput
	Timeout        time.Duration
}

// Result is the outcome of one Run, mapped directly onto
// TaskCompletePayload/TaskErrorPayload by the caller.
type Result struct {
	Success       bool
	ResultText    string
	SessionID     string
	Usage         protocol.TokenUsage
	ErrorCode     string
	ErrorMessage  string
	PartialResult string
}

// TaskDir returns the dedicated temp directory for a task id (§4.5
// Temp-file lifecycle).
func (e *Executor) TaskDir(taskID string) string {
	return filepath.Join(os.TempDir(), "relaycore-task-"+taskID)
}

// WriteAttachment materializes attachment bytes under the task's temp
// directory, creating it if necessary.
func (e *Executor) WriteAttachment(taskID, fileName string, data []byte) (string, error) {
	dir := e.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("executor: create task dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(fileName))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("executor: write attachment: %w", err)
	}
	return path, nil
}

// Cleanup removes the task's temp directory. Called on every terminal
// transition regardless of outcome.
func (e *Executor) Cleanup(taskID string) {
	if err := os.RemoveAll(e.TaskDir(taskID)); err != nil {
		e.log.Warn("cleanup failed for task %s: %v", taskID, err)
	}
}

// Run spawns the CLI and blocks until it exits or req.Timeout elapses.
// onEvent is invoked for each event the Stream Parser produces, in order;
// it must not block.
func (e *Executor) Run(ctx context.Context, req RunRequest, onEvent func(eventType string, data protocol.StreamEventData)) (result Result) {
	spanCtx, span := telemetry.StartSpan(ctx, telemetry.SpanExecute, req.TaskID, "")
	defer func() {
		if !result.Success {
			telemetry.MarkSpanResult(span, fmt.Errorf("%s", result.ErrorMessage))
		} else {
			telemetry.MarkSpanResult(span, nil)
		}
		span.End()
	}()
	ctx = spanCtx

	if _, err := os.Stat(req.WorkingDir); req.WorkingDir != "" && err != nil {
		return Result{ErrorCode: string(errkind.SpawnError), ErrorMessage: fmt.Sprintf("working directory does not exist: %s", req.WorkingDir)}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultTaskTimeout) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := buildPrompt(req.Prompt, req.Attachments)
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if req.PermissionMode == protocol.PermissionAuto {
		args = append(args, "--dangerouslySkipPermissions")
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}

	proc := subprocess.New(subprocess.Config{
		Command:    e.cfg.BinaryPath,
		Args:       args,
		Env:        e.cfg.Env,
		WorkingDir: req.WorkingDir,
	})
	if err := proc.Start(runCtx); err != nil {
		return Result{ErrorCode: string(errkind.SpawnError), ErrorMessage: err.Error()}
	}
	_ = proc.CloseStdin()

	stderrBuf := &capBuffer{limit: stderrCap}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		buf := make([]byte, 4096)
		for {
			n, err := proc.Stderr().Read(buf)
			if n > 0 {
				stderrBuf.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	parser := stream.New()
	var lastResultText, lastSessionID string
	var usage protocol.TokenUsage
	var streamError string

	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		for _, ev := range parser.Parse(append(scanner.Bytes(), '\n')) {
			switch ev.Type {
			case "result":
				lastResultText = ev.Data.Text
				if ev.Data.SessionID != "" {
					lastSessionID = ev.Data.SessionID
				}
			case "token_usage":
				if ev.Data.Usage != nil {
					usage = *ev.Data.Usage
				}
			case "assistant_message":
				lastResultText += ev.Data.Text
			case "error":
				streamError = ev.Data.ErrorText
			}
			if onEvent != nil {
				onEvent(ev.Type, ev.Data)
			}
		}
	}
	<-stderrDone

	waitErr := proc.Wait()
	code, signal := proc.ExitCode()

	if runCtx.Err() == context.DeadlineExceeded {
		_ = proc.Stop()
		return Result{
			ErrorCode:     string(errkind.Timeout),
			ErrorMessage:  "task exceeded its execution timeout",
			PartialResult: lastResultText,
			Usage:         usage,
		}
	}

	if waitErr == nil && code == 0 && signal == "" {
		return Result{Success: true, ResultText: lastResultText, SessionID: lastSessionID, Usage: usage}
	}

	errMsg := streamError
	if errMsg == "" {
		errMsg = stderrBuf.String()
	}
	exitDetail := fmt.Sprintf("%d", code)
	if signal != "" {
		exitDetail = signal
	}
	return Result{
		ErrorCode:     string(errkind.ExitKind(exitDetail)),
		ErrorMessage:  errMsg,
		PartialResult: lastResultText,
		Usage:         usage,
	}
}

// buildPrompt appends attachment reference lines after a blank line
// (§4.5 Spawn).
func buildPrompt(prompt string, attachments []AttachmentInput) string {
	if len(attachments) == 0 {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n")
	for _, a := range attachments {
		if a.LocalPath == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("[Attached file: %s]\n", a.LocalPath))
	}
	return sb.String()
}

// capBuffer accumulates up to limit bytes, discarding the remainder.
type capBuffer struct {
	data  []byte
	limit int
}

func (b *capBuffer) Write(p []byte) {
	remaining := b.limit - len(b.data)
	if remaining <= 0 {
		return
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	b.data = append(b.data, p...)
}

func (b *capBuffer) String() string {
	return string(b.data)
}
