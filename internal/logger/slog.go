// Package logger provides the application-wide structured logger.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// Init initializes the package-level slog logger, writing to both stdout
// and a dated file under logDir. jsonOutput selects the JSON handler
// (production) over the text handler (development).
func Init(logDir string, jsonOutput bool) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	logFileName := "edward-" + time.Now().Format("2006-01-02") + ".log"
	logFilePath := filepath.Join(logDir, logFileName)

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	writer := io.MultiWriter(os.Stdout, logFile)

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
	return nil
}

// Close closes the log file.
func Close() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Logger returns the package logger, falling back to slog.Default if Init
// was never called (e.g. in unit tests).
func Logger() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

type contextKey string

const (
	ContextKeyRunID      contextKey = "run_id"
	ContextKeyWorkflowID contextKey = "workflow_id"
	ContextKeyUserID     contextKey = "user_id"
	ContextKeyChatID     contextKey = "chat_id"
)

// WithRunID attaches a run id to the context for downstream log calls.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ContextKeyRunID, runID)
}

// WithWorkflowID attaches a workflow id to the context.
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, ContextKeyWorkflowID, workflowID)
}

// WithUser attaches userId/chatId to the context.
func WithUser(ctx context.Context, userID, chatID string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyUserID, userID)
	return context.WithValue(ctx, ContextKeyChatID, chatID)
}

// WithContext returns a logger with fields pulled from known context keys.
func WithContext(ctx context.Context) *slog.Logger {
	l := Logger()
	if v := ctx.Value(ContextKeyRunID); v != nil {
		l = l.With("run_id", v)
	}
	if v := ctx.Value(ContextKeyWorkflowID); v != nil {
		l = l.With("workflow_id", v)
	}
	if v := ctx.Value(ContextKeyUserID); v != nil {
		l = l.With("user_id", v)
	}
	if v := ctx.Value(ContextKeyChatID); v != nil {
		l = l.With("chat_id", v)
	}
	return l
}

func InfoContext(ctx context.Context, msg string, args ...any)  { WithContext(ctx).Info(msg, args...) }
func ErrorContext(ctx context.Context, msg string, args ...any) { WithContext(ctx).Error(msg, args...) }
func WarnContext(ctx context.Context, msg string, args ...any)  { WithContext(ctx).Warn(msg, args...) }
func DebugContext(ctx context.Context, msg string, args ...any) { WithContext(ctx).Debug(msg, args...) }
