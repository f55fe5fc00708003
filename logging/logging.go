// Package logging provides the structured logger shared by every lifecycle
// component. A nil or nop Logger discards everything, so components accept
// an optional *Logger and never check for nil themselves.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

// Supported levels, lowest first.
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Logger wraps slog with lifecycle-specific field helpers.
type Logger struct {
	impl   *slog.Logger
	fields []any
}

// LogConfig holds configuration for the logger.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error)
	Level LogLevel
	// EnableCallerInfo includes file and line number in logs
	EnableCallerInfo bool
	// JSON switches the handler from text to JSON output
	JSON bool
}

// DefaultLogConfig returns a default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: LogLevelInfo}
}

// NewLogger creates a logger writing to stderr.
func NewLogger(config LogConfig) *Logger {
	return NewLoggerTo(os.Stderr, config)
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, config LogConfig) *Logger {
	opts := &slog.HandlerOptions{
		Level:     config.Level.slogLevel(),
		AddSource: config.EnableCallerInfo,
	}

	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{impl: slog.New(handler)}
}

// NewNopLogger creates a no-op logger that discards all log messages.
func NewNopLogger() *Logger {
	return &Logger{}
}

// OrNop returns l, or a nop logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NewNopLogger()
	}
	return l
}

func (lvl LogLevel) slogLevel() slog.Level {
	switch lvl {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil || l.impl == nil {
		return
	}
	all := make([]any, 0, len(l.fields)+len(args))
	all = append(all, l.fields...)
	all = append(all, args...)
	l.impl.Log(ctx, level, msg, all...)
}

// Debug logs debug-level messages
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs info-level messages
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs warning-level messages
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs error-level messages
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// With returns a logger with additional context fields
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.impl == nil {
		return OrNop(l)
	}
	fields := make([]any, 0, len(l.fields)+len(args))
	fields = append(fields, l.fields...)
	fields = append(fields, args...)
	return &Logger{impl: l.impl, fields: fields}
}

// WithOperation returns a logger with operation context
func (l *Logger) WithOperation(operation Operation) *Logger {
	return l.With("operation", string(operation))
}

// WithArtifact returns a logger with artifact context
func (l *Logger) WithArtifact(id string) *Logger {
	return l.With("artifact_id", id)
}

// WithFamily returns a logger with artifact family context
func (l *Logger) WithFamily(family string) *Logger {
	return l.With("family", family)
}

// WithDuration returns a logger with duration context
func (l *Logger) WithDuration(duration time.Duration) *Logger {
	return l.With("duration", duration)
}

// Operation names a lifecycle operation for log correlation.
type Operation string

const (
	OpTrack      Operation = "track"
	OpInvalidate Operation = "invalidate"
	OpSweep      Operation = "sweep"
	OpEvict      Operation = "evict"
	OpDerive     Operation = "derive_keys"
	OpPersist    Operation = "persist"
	OpNextVer    Operation = "next_version"
	OpRollback   Operation = "rollback"
)

// LogInvalidation logs an artifact transitioning to invalidated.
func LogInvalidation(ctx context.Context, logger *Logger, id string, changeType string, cleanupPending bool) {
	logger.Info(ctx, "artifact invalidated",
		"artifact_id", id,
		"change_type", changeType,
		"cleanup_pending", cleanupPending)
}

// LogEviction logs an eviction event.
func LogEviction(ctx context.Context, logger *Logger, id string, stage string, reason string) {
	logger.Info(ctx, "artifact evicted",
		"artifact_id", id,
		"stage", stage,
		"reason", reason)
}

// LogStorageFailure logs a swallowed storage collaborator failure.
func LogStorageFailure(ctx context.Context, logger *Logger, id, location string, err error) {
	logger.Warn(ctx, "storage delete failed",
		"artifact_id", id,
		"location", location,
		"error", err.Error())
}

// LogRollbackStage logs the outcome of one rollback execution stage.
func LogRollbackStage(ctx context.Context, logger *Logger, family, stage string, duration time.Duration, err error) {
	fields := []any{
		"family", family,
		"stage", stage,
		"duration_ms", duration.Milliseconds(),
		"success", err == nil,
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
		logger.Warn(ctx, "rollback stage failed", fields...)
		return
	}
	logger.Info(ctx, "rollback stage completed", fields...)
}

// ParseLogLevel parses a string log level into a LogLevel.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug, nil
	case "info", "":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	default:
		return LogLevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}
