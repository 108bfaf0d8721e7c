package sparseix

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with sparseix-specific convenience methods.
// This provides structured logging with consistent field names across
// Collection's write and search paths.
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

// WithID adds an internal-id field to the logger.
func (l *Logger) WithID(id uint64) *Logger {
	return &Logger{Logger: l.Logger.With("id", id)}
}

// WithK adds a k (top-K) field to the logger.
func (l *Logger) WithK(k int) *Logger {
	return &Logger{Logger: l.Logger.With("k", k)}
}

// WithNNZ adds a nnz (non-zero term count) field to the logger.
func (l *Logger) WithNNZ(nnz int) *Logger {
	return &Logger{Logger: l.Logger.With("nnz", nnz)}
}

// WithCount adds a count field to the logger.
func (l *Logger) WithCount(count int) *Logger {
	return &Logger{Logger: l.Logger.With("count", count)}
}

// LogUpsert logs an upsert (insert-or-update) of a single document.
func (l *Logger) LogUpsert(ctx context.Context, id uint64, nnz int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "upsert failed", "id", id, "nnz", nnz, "error", err)
	} else {
		l.DebugContext(ctx, "upsert completed", "id", id, "nnz", nnz)
	}
}

// LogBatchUpsert logs a batch upsert operation.
func (l *Logger) LogBatchUpsert(ctx context.Context, count, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "batch upsert completed with failures",
			"total", count, "failed", failed, "success", count-failed)
	} else {
		l.InfoContext(ctx, "batch upsert completed", "count", count)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed", "k", k, "error", err)
	} else {
		l.DebugContext(ctx, "search completed", "k", k, "results", resultsFound)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, id uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed", "id", id, "error", err)
	} else {
		l.DebugContext(ctx, "delete completed", "id", id)
	}
}

// LogRecovery logs a WAL recovery operation.
func (l *Logger) LogRecovery(ctx context.Context, entriesReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "WAL recovery failed", "entries_replayed", entriesReplayed, "error", err)
	} else {
		l.InfoContext(ctx, "WAL recovery completed", "entries_replayed", entriesReplayed)
	}
}
