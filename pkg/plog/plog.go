// Package plog provides the global, leveled logger for replicat.
//
// Operational messages go through plog; synchronization events themselves are
// written by the journal package in their own line format. plog keeps the two
// streams apart by sending INFO and below to stdout and WARN and above to
// stderr.
package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LevelNotice sits between DEBUG and INFO. It is used for per-action
// messages (MKDIR, COPY, DELETE) that are useful when watching a run but too
// chatty for the default level.
const LevelNotice = slog.Level(-2)

// Re-exported standard levels so callers only need to import plog.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// level is shared by every handler so SetLevel takes effect everywhere.
var level = new(slog.LevelVar)

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, l) || h.stderrHandler.Enabled(ctx, l)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

var defaultLogger *slog.Logger

// renameCustomLevels gives the NOTICE level a proper name in the output.
// slog would otherwise render it as "DEBUG+2".
func renameCustomLevels(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok && l == LevelNotice {
			a.Value = slog.StringValue("NOTICE")
		}
	}
	return a
}

// newConsoleHandler builds a handler for the given stream. When the stream is
// a terminal we use tint for compact, colorized output; otherwise a plain
// text handler keeps the output grep-friendly.
func newConsoleHandler(f *os.File) slog.Handler {
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return tint.NewHandler(f, &tint.Options{
			Level:       level,
			TimeFormat:  time.TimeOnly,
			ReplaceAttr: renameCustomLevels,
		})
	}
	return slog.NewTextHandler(f, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renameCustomLevels,
	})
}

func init() {
	defaultLogger = slog.New(&LevelDispatchHandler{
		stdoutHandler: newConsoleHandler(os.Stdout),
		stderrHandler: newConsoleHandler(os.Stderr),
	})
}

// SetOutput allows redirecting the logger's output, primarily for testing.
// All levels are written to the provided writer.
func SetOutput(w io.Writer) {
	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renameCustomLevels,
	}))
}

// SetLevel sets the minimum level for the global logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// LevelFromString maps a config/flag string to a slog level. Unknown values
// fall back to INFO.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Notice logs a per-action message at the custom NOTICE level.
func Notice(msg string, args ...any) {
	defaultLogger.Log(context.Background(), LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}
