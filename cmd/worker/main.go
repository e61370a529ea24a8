// Command worker runs a Worker process: it connects to a Coordinator,
// registers its identity and allowed directories, and executes assigned
// tasks through the local assistant CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"relaycore/internal/config"
	"relaycore/internal/logging"
	"relaycore/internal/telemetry"
	"relaycore/internal/workerapp"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("worker:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		coordinatorURL string
		secret         string
		name           string
		workingDir     string
		binaryPath     string
		overlayPath    string
		logJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Connect to a Coordinator and execute assigned tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if coordinatorURL != "" {
				os.Setenv("WORKER_COORDINATOR_URL", coordinatorURL)
			}
			if secret != "" {
				os.Setenv("WORKER_SHARED_SECRET", secret)
			}
			if name != "" {
				os.Setenv("WORKER_NAME", name)
			}
			if workingDir != "" {
				os.Setenv("WORKER_DEFAULT_WORKING_DIR", workingDir)
			}
			return run(binaryPath, overlayPath, logJSON)
		},
	}

	cmd.PersistentFlags().StringVarP(&coordinatorURL, "coordinator", "c", "", "Coordinator WebSocket URL (overrides WORKER_COORDINATOR_URL)")
	cmd.PersistentFlags().StringVarP(&secret, "secret", "s", "", "shared secret (overrides WORKER_SHARED_SECRET)")
	cmd.PersistentFlags().StringVarP(&name, "name", "n", "", "worker identity name (overrides WORKER_NAME)")
	cmd.PersistentFlags().StringVarP(&workingDir, "working-dir", "w", "", "default task working directory")
	cmd.PersistentFlags().StringVar(&binaryPath, "claude-bin", "claude", "path to the assistant CLI binary")
	cmd.PersistentFlags().StringVar(&overlayPath, "config", "", "path to a YAML config overlay (lowest priority; env vars and flags win)")
	cmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of text")

	return cmd
}

// configureLogging installs the root slog handler for the process; called
// once before anything else logs. cfg.LogLevel defaults to info when unset
// or unparseable.
func configureLogging(cfg config.Worker, json bool) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	logging.Configure(lvl, json)
}

// applyOverlayEnv seeds env vars from a YAML overlay file for any value the
// environment hasn't already set; actual env vars always take priority.
func applyOverlayEnv(overlay config.FileOverlay) {
	setIfUnset := func(key, val string) {
		if val != "" && os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	setIfUnset("WORKER_COORDINATOR_URL", overlay.CoordinatorURL)
	setIfUnset("WORKER_SHARED_SECRET", overlay.SharedSecret)
	setIfUnset("WORKER_NAME", overlay.Name)
	setIfUnset("WORKER_DEFAULT_WORKING_DIR", overlay.DefaultWorkingDir)
	if len(overlay.AllowedDirectories) > 0 && os.Getenv("WORKER_ALLOWED_DIRECTORIES") == "" {
		os.Setenv("WORKER_ALLOWED_DIRECTORIES", strings.Join(overlay.AllowedDirectories, ","))
	}
}

func run(binaryPath, overlayPath string, logJSON bool) error {
	overlay, err := config.LoadFileOverlay(overlayPath)
	if err != nil {
		return err
	}
	applyOverlayEnv(overlay)

	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}
	configureLogging(cfg, logJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, "relaycore-worker")
	if err != nil {
		return fmt.Errorf("worker: init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	app := workerapp.New(cfg, binaryPath)

	fmt.Printf("%s worker %q connecting to %s\n", green("✓"), cfg.Name, cfg.CoordinatorURL)
	return app.Run(ctx)
}
