// Package logctx carries the logger, and attributes every record should repeat, in a context.
package logctx

import (
	"context"
	"log/slog"
	"slices"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	attrsKey  contextKey = "attrs"

	// TaskIDKey is the attribute naming the transfer a record belongs to.
	TaskIDKey = "task_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithAttrs returns a context whose records also carry attrs. An attr replaces an earlier one
// with the same key, so nested calls never repeat a key.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	merged := slices.Clone(Attrs(ctx))

	for _, a := range attrs {
		i := slices.IndexFunc(merged, func(m slog.Attr) bool { return m.Key == a.Key })
		if i >= 0 {
			merged[i] = a

			continue
		}

		merged = append(merged, a)
	}

	return context.WithValue(ctx, attrsKey, merged)
}

// Attrs returns the attributes stored by WithAttrs.
func Attrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey).([]slog.Attr)

	return attrs
}

// WithTaskID tags ctx with the transfer task it works for.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return WithAttrs(ctx, slog.String(TaskIDKey, taskID))
}

// TaskIDFromContext returns the task id stored by WithTaskID, or "".
func TaskIDFromContext(ctx context.Context) string {
	for _, a := range Attrs(ctx) {
		if a.Key == TaskIDKey {
			return a.Value.String()
		}
	}

	return ""
}
