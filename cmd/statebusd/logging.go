package main

import (
	"log/slog"
	"os"
	"strings"
)

// setupLogger builds the process logger around a LevelVar so the level can
// be changed at runtime through the bus.
func setupLogger(level, format string) (*slog.Logger, *slog.LevelVar) {
	levelVar := &slog.LevelVar{}
	switch strings.ToLower(level) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: level == "debug",
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
	return logger, levelVar
}
