// Package log wraps slog.Logger with nil-safe helpers and error-attribute
// expansion, merged into one file since this is a single module rather than
// the split logger.go/error.go of a multi-module layout.
package log

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/iotrpc/runtime/internal/wallclock"
)

type (
	// Logger is a wrapper around an slog.Logger with additional helpers and
	// nil checking; the zero value is a valid no-op logger.
	Logger struct{ Wrapped *slog.Logger }

	// attrsProvider is implemented by errors that expose extra slog
	// attributes (see errors.Client.Attrs / errors.Remote.Attrs).
	attrsProvider interface {
		Attrs() []slog.Attr
	}
)

// Wrap an slog.Logger for use by the runtime.
func Wrap(logger *slog.Logger) Logger {
	return Logger{logger}
}

// Log builds a log record attributed to the caller of the public helper
// method (Err/Info/Warn/Debug), per the slog wrapping pattern.
// See: https://pkg.go.dev/log/slog#hdr-Wrapping_output_methods
func (l Logger) Log(
	ctx context.Context,
	level slog.Level,
	msg string,
	attrs ...slog.Attr,
) {
	if !l.Enabled(ctx, level) {
		return
	}

	now := wallclock.Instance.Now()
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(now, level, msg, pcs[0])
	r.AddAttrs(attrs...)
	_ = l.Wrapped.Handler().Handle(ctx, r)
}

// Err logs an error with structured logging, expanding its Attrs() if it
// implements attrsProvider.
func (l Logger) Err(ctx context.Context, err error, attrs ...slog.Attr) {
	if a, ok := err.(attrsProvider); ok {
		l.Log(ctx, slog.LevelError, err.Error(), append(a.Attrs(), attrs...)...)
		return
	}
	l.Log(ctx, slog.LevelError, err.Error(), attrs...)
}

// Info logs a message with structured logging.
func (l Logger) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs a message with structured logging.
func (l Logger) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelWarn, msg, attrs...)
}

// Debug logs a message with structured logging.
func (l Logger) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelDebug, msg, attrs...)
}

// Enabled reports whether the logger is enabled for the given level.
func (l Logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.Wrapped != nil && l.Wrapped.Enabled(ctx, level)
}
