// Package workerapp wires the Worker process together: the reconnecting
// transport client, the Process Executor, and per-task goroutine
// supervision, matching the teacher's errgroup-supervised worker loop
// convention (golang.org/x/sync/errgroup over the client's connect/
// register/heartbeat/read loop; each task's execution runs in its own
// goroutine outside the group).
package workerapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relaycore/internal/config"
	"relaycore/internal/errkind"
	"relaycore/internal/executor"
	"relaycore/internal/logging"
	"relaycore/internal/protocol"
	"relaycore/internal/transport"
)

// App is the assembled Worker process.
type App struct {
	Config   config.Worker
	Client   *transport.Client
	Executor *executor.Executor

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	log logging.Logger
}

// New assembles the Worker's client and executor.
func New(cfg config.Worker, binaryPath string) *App {
	app := &App{
		Config:   cfg,
		Executor: executor.New(executor.Config{BinaryPath: binaryPath}),
		cancels:  make(map[string]context.CancelFunc),
		log:      logging.NewComponentLogger("WorkerApp"),
	}
	app.Client = transport.NewClient(cfg.CoordinatorURL, cfg.SharedSecret, transport.ClientIdentity{
		Name:               cfg.Name,
		OS:                 runtime.GOOS,
		RuntimeVersion:     runtime.Version(),
		DefaultWorkingDir:  cfg.DefaultWorkingDir,
		AllowedDirectories: cfg.AllowedDirectories,
	}, app)
	return app
}

// Run blocks serving the transport client's connect/reconnect loop until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Client.Run(gctx)
	})
	return g.Wait()
}

// HandleEnvelope implements transport.ClientDispatcher.
func (a *App) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TagTaskAssign:
		var payload protocol.TaskAssignPayload
		if err := env.DecodePayload(&payload); err == nil {
			go a.runTask(env.TaskID, payload)
		}
	case protocol.TagTaskCancel:
		a.cancelTask(env.TaskID)
	case protocol.TagFileTransfer:
		var payload protocol.FileTransferPayload
		if err := env.DecodePayload(&payload); err == nil {
			a.handleFileTransfer(env.TaskID, payload)
		}
	case protocol.TagTaskAnswer, protocol.TagTaskPermissionResp:
		// Out-of-band replies are correlated by the caller via
		// session-continuation follow-up tasks (§4.5 Stdin policy); no
		// in-process state to update here.
	default:
		a.log.Warn("unhandled envelope type %q", env.Type)
	}
}

func (a *App) runTask(taskID string, payload protocol.TaskAssignPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.DefaultTaskTimeout)*time.Millisecond)
	a.mu.Lock()
	a.cancels[taskID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.cancels, taskID)
		a.mu.Unlock()
		cancel()
		a.Executor.Cleanup(taskID)
	}()

	workingDir := payload.WorkingDir
	if workingDir == "" {
		workingDir = a.Config.DefaultWorkingDir
	}
	if !a.Config.IsDirectoryAllowed(workingDir) {
		a.sendError(taskID, string(errkind.DirectoryNotAllowed), fmt.Sprintf("working directory %q is not in the allowed list", workingDir))
		return
	}

	attachments := make([]executor.AttachmentInput, len(payload.Attachments))
	for i, a2 := range payload.Attachments {
		attachments[i] = executor.AttachmentInput{FileName: a2.FileName, LocalPath: a2.LocalPath}
	}

	result := a.Executor.Run(ctx, executor.RunRequest{
		TaskID:         taskID,
		Prompt:         payload.Prompt,
		WorkingDir:     workingDir,
		PermissionMode: payload.PermissionMode,
		SessionID:      payload.SessionID,
		Attachments:    attachments,
	}, func(eventType string, data protocol.StreamEventData) {
		_ = a.Client.Send(protocol.TagTaskStream, protocol.TaskStreamPayload{EventType: eventType, Event: data}, taskID)
	})

	if result.Success {
		_ = a.Client.Send(protocol.TagTaskComplete, protocol.TaskCompletePayload{
			ResultText: result.ResultText,
			SessionID:  result.SessionID,
			Usage:      result.Usage,
		}, taskID)
		return
	}
	_ = a.Client.Send(protocol.TagTaskError, protocol.TaskErrorPayload{
		Code:          result.ErrorCode,
		Message:       result.ErrorMessage,
		PartialResult: result.PartialResult,
		Usage:         result.Usage,
	}, taskID)
}

func (a *App) sendError(taskID, code, message string) {
	_ = a.Client.Send(protocol.TagTaskError, protocol.TaskErrorPayload{Code: code, Message: message}, taskID)
}

// CurrentTaskID implements transport.ClientDispatcher. A Worker runs at
// most one task at a time (§3), so any single key in cancels is the
// answer; returns "" when idle.
func (a *App) CurrentTaskID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for taskID := range a.cancels {
		return taskID
	}
	return ""
}

func (a *App) cancelTask(taskID string) {
	a.mu.Lock()
	cancel, ok := a.cancels[taskID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *App) handleFileTransfer(taskID string, payload protocol.FileTransferPayload) {
	data, err := base64.StdEncoding.DecodeString(payload.ContentB64)
	if err != nil {
		a.sendTransferAck(taskID, payload.FileName, "", false, err.Error())
		return
	}
	path, err := a.Executor.WriteAttachment(taskID, payload.FileName, data)
	if err != nil {
		a.sendTransferAck(taskID, payload.FileName, "", false, err.Error())
		return
	}
	a.sendTransferAck(taskID, payload.FileName, path, true, "")
}

func (a *App) sendTransferAck(taskID, fileName, localPath string, success bool, errText string) {
	_ = a.Client.Send(protocol.TagFileTransferAck, protocol.FileTransferAckPayload{
		FileName:  fileName,
		LocalPath: localPath,
		Success:   success,
		Error:     errText,
	}, taskID)
}
