// Package logging builds the controller's slog loggers and handles the
// composition process's stderr.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a logger writing to stderr.
// format is "json" or "text"; anything else selects json.
// level is "debug", "info", "warn" or "error"; verbose forces debug.
func NewLogger(format, level string, verbose bool) *slog.Logger {
	lvl := ParseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	return newLogger(os.Stderr, format, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	})
}

// NewLoggerWithWriter returns a logger writing to w. Unknown formats
// select text, which is what tests usually want to grep.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	if w == nil {
		w = io.Discard
	}
	if !strings.EqualFold(format, "json") {
		format = "text"
	}
	return newLogger(w, format, &slog.HandlerOptions{Level: ParseLevel(level)})
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLogger(w io.Writer, format string, opts *slog.HandlerOptions) *slog.Logger {
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
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
