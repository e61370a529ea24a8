// Package logging provides the named component-logger convention used
// throughout the Coordinator and Worker, matching the shape the teacher's
// internal/external/claudecode package consumes via
// logging.NewComponentLogger("ClaudeCodeExecutor").
package logging

import (
	"fmt"
	"log/slog"
	"os"
)

// Logger is the narrow interface every component depends on.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	With(kv ...any) Logger
}

type componentLogger struct {
	slog *slog.Logger
}

// base is the process-wide root logger, configurable once at startup via
// Configure.
var base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// Configure replaces the root handler, e.g. to switch to JSON output or a
// different level. Call once during process startup.
func Configure(level slog.Level, json bool) {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		base = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	} else {
		base = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}

// NewComponentLogger returns a Logger scoped to a named component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{slog: base.With("component", component)}
}

func (l *componentLogger) Debug(format string, args ...any) { l.slog.Debug(safeSprintf(format, args...)) }
func (l *componentLogger) Info(format string, args ...any)  { l.slog.Info(safeSprintf(format, args...)) }
func (l *componentLogger) Warn(format string, args ...any)  { l.slog.Warn(safeSprintf(format, args...)) }
func (l *componentLogger) Error(format string, args ...any) { l.slog.Error(safeSprintf(format, args...)) }

func (l *componentLogger) With(kv ...any) Logger {
	return &componentLogger{slog: l.slog.With(kv...)}
}

func safeSprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
