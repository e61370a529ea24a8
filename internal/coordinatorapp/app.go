// Package coordinatorapp wires the Coordinator process together: Worker
// Registry, Task Manager, transport server, chat-adapter sink, and
// telemetry, matching the teacher's cmd-layer composition-root
// convention of one App struct assembled in one place rather than a
// dependency-injection framework.
package coordinatorapp

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"relaycore/internal/adapter"
	"relaycore/internal/aliasstore"
	"relaycore/internal/config"
	"relaycore/internal/httpserver"
	"relaycore/internal/logging"
	"relaycore/internal/protocol"
	"relaycore/internal/registry"
	"relaycore/internal/schedulestore"
	"relaycore/internal/tasks"
	"relaycore/internal/telemetry"
	"relaycore/internal/transport"
)

// App is the assembled Coordinator process.
type App struct {
	Config    config.Coordinator
	Registry  *registry.Registry
	Manager   *tasks.Manager
	Server    *transport.Server
	Metrics   *telemetry.Metrics
	Aliases   *aliasstore.Store
	Schedules *schedulestore.Store

	promRegistry *prometheus.Registry
	httpSrv      *http.Server
	log          logging.Logger
}

// New assembles every Coordinator component. aliasPath/schedulePath name
// the on-disk stores; pass "" to disable persistence for either.
func New(cfg config.Coordinator, aliasPath, schedulePath string) (*App, error) {
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)

	sink := telemetry.NewMetricsSink(adapter.NewLoggingSink(), metrics)

	app := &App{
		Config:       cfg,
		Metrics:      metrics,
		promRegistry: promReg,
		log:          logging.NewComponentLogger("CoordinatorApp"),
	}

	reg := registry.New(cfg.SharedSecret, time.Duration(config.HeartbeatWatchdog)*time.Millisecond, registry.Callbacks{
		OnDisconnected: func(name string, hadRunningTask bool, lastTaskID string) {
			app.handleWorkerDisconnected(name, hadRunningTask, lastTaskID)
		},
	})
	app.Registry = reg
	app.Manager = tasks.NewManager(reg, sink, newHTTPFetcher(), tasks.Options{})
	app.Server = transport.NewServer(reg, app)

	if aliasPath != "" {
		store, err := aliasstore.Open(aliasPath)
		if err != nil {
			return nil, err
		}
		app.Aliases = store
	}
	if schedulePath != "" {
		store, err := schedulestore.Open(schedulePath)
		if err != nil {
			return nil, err
		}
		app.Schedules = store
	}

	app.httpSrv = &http.Server{
		Addr:    addrFor(cfg.TransportPort),
		Handler: httpserver.New(app.Server, promReg),
	}
	return app, nil
}

func addrFor(port int) string {
	if port == 0 {
		port = 8765
	}
	return ":" + strconv.Itoa(port)
}

// Run starts the HTTP/WebSocket listener and the queue-depth metrics
// poller, blocking until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("coordinator listening on %s", a.httpSrv.Addr)
		errCh <- a.httpSrv.ListenAndServe()
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.httpSrv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
		case <-ticker.C:
			a.Metrics.QueueDepth.Set(float64(a.Manager.QueueDepth()))
			a.Metrics.WorkersOnline.Set(float64(a.Registry.Count()))
		}
	}
}

// HandleEnvelope implements transport.Dispatcher: every non-registry,
// non-heartbeat envelope from a worker lands here and is routed to the
// Task Manager.
func (a *App) HandleEnvelope(workerName string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TagTaskStream:
		var payload protocol.TaskStreamPayload
		if err := env.DecodePayload(&payload); err == nil {
			a.Manager.HandleStream(env.TaskID, payload.EventType, payload.Event)
		}
	case protocol.TagTaskComplete:
		var payload protocol.TaskCompletePayload
		if err := env.DecodePayload(&payload); err == nil {
			a.Manager.HandleComplete(env.TaskID, payload)
		}
	case protocol.TagTaskError:
		var payload protocol.TaskErrorPayload
		if err := env.DecodePayload(&payload); err == nil {
			a.Manager.HandleError(env.TaskID, payload)
		}
	case protocol.TagTaskQuestion:
		var payload protocol.TaskQuestionPayload
		if err := env.DecodePayload(&payload); err == nil {
			a.Manager.HandleQuestion(env.TaskID, payload.RequestID, payload.Question, payload.Options)
		}
	case protocol.TagTaskPermission:
		var payload protocol.TaskPermissionPayload
		if err := env.DecodePayload(&payload); err == nil {
			a.Manager.HandlePermission(env.TaskID, payload.RequestID, payload.ToolName, payload.Summary)
		}
	case protocol.TagFileTransferAck:
		var payload protocol.FileTransferAckPayload
		if err := env.DecodePayload(&payload); err == nil {
			a.Manager.HandleFileTransferAck(env.TaskID, payload)
		}
	case protocol.TagTeamUpdate:
		var payload protocol.TeamUpdatePayload
		if err := env.DecodePayload(&payload); err == nil {
			a.log.Info("team update from %q: %s", workerName, payload.Summary)
		}
	default:
		a.log.Warn("unhandled envelope type %q from %q", env.Type, workerName)
	}
}

func (a *App) handleWorkerDisconnected(name string, hadRunningTask bool, lastTaskID string) {
	a.Manager.HandleWorkerDisconnected(name, hadRunningTask, lastTaskID)
}

// SubmitTask creates a task from user input, resolving an alias working
// directory if one is registered.
func (a *App) SubmitTask(opts tasks.CreateOptions) (tasks.Task, error) {
	if a.Aliases != nil && opts.WorkingDir != "" {
		if resolved, ok := a.Aliases.Resolve(opts.WorkingDir); ok {
			opts.WorkingDir = resolved
		}
	}
	return a.Manager.CreateTask(opts)
}
