package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// newLogger writes colored text for dev/local and JSON otherwise. Logs go to
// stderr so command output on stdout stays clean.
func newLogger(env string) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("BOYACHAT_DEBUG") != "" {
		level = slog.LevelDebug
	}
	writer := os.Stderr
	if env == "dev" || env == "local" {
		handler := tint.NewHandler(writer, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
		return slog.New(handler)
	}
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}
