// Package logging builds the process-wide structured logger. The
// returned *slog.Logger satisfies the runner's Logger interface
// directly, so the same handle flows into the River runner, the replay
// engine, and the HTTP surface.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a logger writing one JSON line per record to stderr.
// Unknown level strings default to info. format "text" switches to the
// human-readable handler for local runs.
func New(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Tests use it to keep
// output quiet without nil-checking call sites.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
