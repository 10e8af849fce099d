package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates a structured logger writing to stdout and installs it as
// the slog default. format is "json", "text", or "pretty".
func NewLogger(level, format string) *slog.Logger {
	log := slog.New(newHandler(os.Stdout, level, format))
	slog.SetDefault(log)
	return log
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pretty":
		opts.AddSource = false
		return newPrettyHandler(w, opts, colorEnabled())
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// colorEnabled honours NO_COLOR and DEVICECAP_LOG_COLOR.
func colorEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return EnvBool("DEVICECAP_LOG_COLOR", true)
}
