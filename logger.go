package evidencecache

import (
	"context"
	"log/slog"
	"os"

	"github.com/factseeker/evidencecache/partition"
)

// Logger wraps slog.Logger with evidencecache-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithPartition adds a partition field to the logger.
func (l *Logger) WithPartition(id partition.ID) *Logger {
	return &Logger{
		Logger: l.Logger.With("partition", id.String()),
	}
}

// LogRefresh logs a partition refresh.
func (l *Logger) LogRefresh(ctx context.Context, id partition.ID, watermark string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "refresh failed",
			"partition", id.String(),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "refresh completed",
			"partition", id.String(),
			"watermark", watermark,
		)
	}
}

// LogReconcile logs a reconciliation sweep.
func (l *Logger) LogReconcile(ctx context.Context, id partition.ID, built, skipped, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "reconcile completed with failures",
			"partition", id.String(),
			"built", built,
			"skipped", skipped,
			"failed", failed,
		)
	} else {
		l.InfoContext(ctx, "reconcile completed",
			"partition", id.String(),
			"built", built,
			"skipped", skipped,
		)
	}
}

// LogScan logs an evidence scan.
func (l *Logger) LogScan(ctx context.Context, claimID string, evidences int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "scan failed",
			"claim", claimID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "scan completed",
			"claim", claimID,
			"evidences", evidences,
		)
	}
}
