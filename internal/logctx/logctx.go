package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "logger"

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

// WithDownload scopes the context logger to a single download url.
func WithDownload(ctx context.Context, url string) (context.Context, *slog.Logger) {
	logger := LoggerFromContext(ctx).With("url", url)

	return WithLogger(ctx, logger), logger
}

// WithSegment scopes the context logger to one segment worker of a download.
func WithSegment(ctx context.Context, threadID int, start, end int64) (context.Context, *slog.Logger) {
	logger := LoggerFromContext(ctx).With("thread_id", threadID, "start_pos", start, "end_pos", end)

	return WithLogger(ctx, logger), logger
}
