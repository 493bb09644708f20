package log

import (
	"io"
	"log/slog"
)

// NewConsoleHandler builds the terminal-facing handler. Format "json" gets
// machine-readable output, anything else is slog's text form.
func NewConsoleHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
