// Package logger wraps log/slog with the console/JSON handler split and
// stack-trace augmented error logging used across every service binary.
package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with convenience helpers used across the engine.
type Logger struct {
	*slog.Logger
}

// New builds a Logger. format "json" uses slog's JSON handler (production);
// anything else uses tint's colorized console handler (development).
func New(level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      opts.Level,
			TimeFormat: time.TimeOnly,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

// WithContext attaches a trace_id pulled from ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok && traceID != "" {
		return &Logger{Logger: l.Logger.With("trace_id", traceID)}
	}
	return l
}

// WithFields returns a logger with the given key/value pairs attached.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithRunID scopes subsequent log lines to a run.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{Logger: l.Logger.With("run_id", runID)}
}

// WithNodeID scopes subsequent log lines to a node within a run.
func (l *Logger) WithNodeID(nodeID string) *Logger {
	return &Logger{Logger: l.Logger.With("node_id", nodeID)}
}

// Error logs at error level with a stack trace appended to the args.
func (l *Logger) Error(msg string, args ...any) {
	l.Logger.Error(msg, append(args, "stack", string(debug.Stack()))...)
}

// ErrorContext logs at error level with ctx and a stack trace appended.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, append(args, "stack", string(debug.Stack()))...)
}

type traceIDKey struct{}

// WithTraceID returns a context carrying a trace id for WithContext to pick up.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
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
