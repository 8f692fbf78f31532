package zsei

import (
	"context"
	"log/slog"
	"os"

	"github.com/zseilabs/zsei/model"
)

// Logger wraps slog.Logger with zsei-specific context.
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

// WithID adds a container id field to the logger.
func (l *Logger) WithID(id model.ContainerID) *Logger {
	return &Logger{
		Logger: l.Logger.With("id", id.String()),
	}
}

// LogPut logs a container put operation.
func (l *Logger) LogPut(ctx context.Context, id model.ContainerID, version uint32, created bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put failed",
			"id", id.String(),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "put completed",
			"id", id.String(),
			"version", version,
			"created", created,
		)
	}
}

// LogGet logs a container read.
func (l *Logger) LogGet(ctx context.Context, id model.ContainerID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "get failed",
			"id", id.String(),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "get completed",
			"id", id.String(),
		)
	}
}

// LogDelete logs a container delete.
func (l *Logger) LogDelete(ctx context.Context, id model.ContainerID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"id", id.String(),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"id", id.String(),
		)
	}
}

// LogSearch logs an embedding search.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogTraversal logs a finished traversal.
func (l *Logger) LogTraversal(ctx context.Context, root model.ContainerID, visited int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "traversal failed",
			"root", root.String(),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "traversal completed",
			"root", root.String(),
			"visited", visited,
		)
	}
}

// LogVerify logs a verification pass.
func (l *Logger) LogVerify(ctx context.Context, mismatches int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "verification failed",
			"error", err,
		)
	} else if mismatches > 0 {
		l.WarnContext(ctx, "verification found mismatches",
			"mismatches", mismatches,
		)
	} else {
		l.InfoContext(ctx, "verification clean")
	}
}

// LogRepair logs a repair cascade outcome.
func (l *Logger) LogRepair(ctx context.Context, id model.ContainerID, outcome string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "repair failed",
			"id", id.String(),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "repair completed",
			"id", id.String(),
			"outcome", outcome,
		)
	}
}

// LogCompaction logs a compaction run.
func (l *Logger) LogCompaction(ctx context.Context, kept, dropped, pruned, migrated int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"containers_kept", kept,
			"containers_dropped", dropped,
			"versions_pruned", pruned,
			"versions_migrated", migrated,
		)
	}
}

// LogIndexRebuild logs an embedding index rebuild.
func (l *Logger) LogIndexRebuild(ctx context.Context, vectors int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index rebuild failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index rebuilt",
			"vectors", vectors,
		)
	}
}
