// Package telemetry wires structured logging and OpenTelemetry tracing
// and metrics the way libs/go/core/logging and libs/go/core/otelinit do
// it in the orchestrator this runtime is descended from.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger. JSON when
// COMPSS_LOG_JSON is "1", "true" or "json" (any case); text otherwise.
func InitLogging(component string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("COMPSS_LOG_JSON"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("COMPSS_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
