// Package logging builds the process-wide structured logger. Every log line
// is JSON on stdout and carries the service name and environment, so lines
// from different deployments can be told apart once aggregated.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	ServiceName string
	Environment string
	Level       string
}

// NewLogger returns a JSON logger writing to stdout at the configured level.
func NewLogger(cfg Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	return slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Environment),
	)
}

// parseLevel maps a config string to a slog level. Matching is
// case-insensitive and unknown values fall back to info rather than erroring,
// so a typo in an env var never silences the process.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
