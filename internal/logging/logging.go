// Package logging provides the process-wide structured logger.
//
// It wraps log/slog the way the rest of the family-core codebase composes
// its collaborators: a small typed constructor plus context helpers, rather
// than a global mutable logger threaded implicitly everywhere.
package logging

import (
	"log/slog"
	"os"

	"familycore/internal/config"
)

// New builds a slog.Logger from LoggingConfig. JSON output is used in
// production-shaped environments; a human-readable text handler is used
// otherwise, mirroring the environment-conditional handler selection the
// rest of the stack uses for its HTTP server.
func New(cfg config.LoggingConfig, env string) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" || env != "production" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
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
