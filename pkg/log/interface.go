// Package log provides the structured logging interface used across the
// training launcher.
//
// The interface is slog-compatible so that the runner, hooks and batch
// processor can be handed either the process logger (backed by log/slog and
// the error-stack handler) or a TestLogger in unit tests.
//
// Example usage:
//
//	logger := log.New(slog.Default()).With(
//	    log.WorkerIDKey, wc.Rank,
//	    log.GPUIDKey, wc.DeviceID,
//	)
//	logger.Info("epoch finished",
//	    log.EpochKey, 3,
//	    log.LossKey, 0.42,
//	)
package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
//
// Fields are key-value pairs. The With method returns a child logger with the
// given fields pre-populated, which the runner uses to stamp every record with
// the worker rank.
type Logger interface {
	// Debug logs a debug-level message with optional structured fields.
	Debug(msg string, fields ...any)

	// Info logs an info-level message with optional structured fields.
	Info(msg string, fields ...any)

	// Warn logs a warning-level message with optional structured fields.
	Warn(msg string, fields ...any)

	// Error logs an error-level message with optional structured fields.
	// Pass errors through ErrAttr so the handler can attach the stack trace:
	//
	//	logger.Error("run aborted", log.ErrAttr(err))
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits log records at the given level.
	// Use it to skip building expensive fields:
	//
	//	if logger.Enabled(ctx, log.LevelDebug) {
	//	    logger.Debug("gradient stats", "norm", floats.Norm(grads, 2))
	//	}
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
