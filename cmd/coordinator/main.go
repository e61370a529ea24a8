// Command coordinator runs the Coordinator process: the WebSocket
// listener Workers connect to, the Worker Registry, and the Task
// Manager.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relaycore/internal/config"
	"relaycore/internal/coordinatorapp"
	"relaycore/internal/logging"
	"relaycore/internal/telemetry"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("coordinator:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		port         int
		secret       string
		aliasPath    string
		schedulePath string
		logLevel     string
		logJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the task-orchestration Coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = viper.ReadInConfig() // config file is optional

			if v := viper.GetString("secret"); v != "" {
				os.Setenv("COORDINATOR_SHARED_SECRET", v)
			}
			if v := viper.GetInt("port"); v != 0 {
				os.Setenv("COORDINATOR_PORT", fmt.Sprintf("%d", v))
			}
			configureLogging(viper.GetString("log-level"), viper.GetBool("log-json"))
			return run(viper.GetString("alias-store"), viper.GetString("schedule-store"))
		},
	}

	cmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "WebSocket/HTTP listen port (overrides COORDINATOR_PORT)")
	cmd.PersistentFlags().StringVarP(&secret, "secret", "s", "", "Worker shared secret (overrides COORDINATOR_SHARED_SECRET)")
	cmd.PersistentFlags().StringVar(&aliasPath, "alias-store", "", "path to the directory-alias JSON store (disabled if unset)")
	cmd.PersistentFlags().StringVar(&schedulePath, "schedule-store", "", "path to the scheduled-task JSON store (disabled if unset)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	cmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of text")
	_ = viper.BindPFlags(cmd.PersistentFlags())
	cmd.AddCommand(newRenderCommand())

	viper.SetConfigName("relaycore-coordinator")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("coordinator")
	viper.AutomaticEnv()

	return cmd
}

// configureLogging installs the root slog handler for the process; called
// once before anything else logs.
func configureLogging(level string, json bool) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logging.Configure(lvl, json)
}

func run(aliasPath, schedulePath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, "relaycore-coordinator")
	if err != nil {
		return fmt.Errorf("coordinator: init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	cfg, err := config.LoadCoordinator()
	if err != nil {
		return err
	}

	app, err := coordinatorapp.New(cfg, aliasPath, schedulePath)
	if err != nil {
		return fmt.Errorf("coordinator: build app: %w", err)
	}

	fmt.Printf("%s coordinator starting on port %d\n", green("✓"), cfg.TransportPort)
	return app.Run(ctx)
}
