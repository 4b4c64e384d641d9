// Package logger provides structured logging using log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

// LevelTrace is more verbose than debug, for detailed tracing.
const LevelTrace = slog.Level(-8)

var (
	defaultLogger *slog.Logger
	levelVar      = new(slog.LevelVar)
	currentFormat string
	output        io.Writer
	mu            sync.RWMutex
)

// Init initializes the global logger with the specified level and format.
func Init(level, format string) {
	mu.Lock()
	defer mu.Unlock()

	if output == nil {
		output = os.Stdout
	}
	currentFormat = format
	levelVar.Set(parseLevel(level))
	defaultLogger = newLogger(format, output, levelVar)
}

// SetOutput redirects the global logger. Used by tests and the CLI.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	defaultLogger = newLogger(currentFormat, output, levelVar)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format string, w io.Writer, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// New creates a standalone logger with a fixed level.
func New(level, format string, w io.Writer) *slog.Logger {
	return newLogger(format, w, parseLevel(level))
}

// Reconfigure changes the log level and/or format at runtime.
func Reconfigure(level, format string) {
	mu.Lock()
	levelVar.Set(parseLevel(level))
	if format != currentFormat {
		currentFormat = format
		if output == nil {
			output = os.Stdout
		}
		defaultLogger = newLogger(format, output, levelVar)
	}
	mu.Unlock()

	Info("logger_reconfigured", "level", level, "format", format)
}

// current returns the global logger, initializing it if necessary.
func current() *slog.Logger {
	mu.RLock()
	logger := defaultLogger
	mu.RUnlock()

	if logger == nil {
		Init("info", "json")
		mu.RLock()
		logger = defaultLogger
		mu.RUnlock()
	}
	return logger
}

// Trace logs at trace level (more verbose than debug).
func Trace(msg string, args ...any) {
	current().Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	current().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	current().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	current().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	current().Error(msg, args...)
}

// With returns a new logger with the given attributes.
func With(args ...any) *slog.Logger {
	return current().With(args...)
}

// NewSourceID returns an identifier tying the begin and end events of one
// operation together.
func NewSourceID() string {
	return uuid.NewString()
}

// LogProxyState logs the data reduction proxy state. It is always at warn
// level so it shows up with default settings.
func LogProxyState(state string, atStartup bool) {
	current().Warn("data_reduction_proxy_state",
		"state", state,
		"at_startup", atStartup,
	)
}

// LogRequest logs a forwarded request with standard fields.
func LogRequest(method, host, clientIP, upstream string, status int, duration int64, bytesIn, bytesOut int64) {
	current().Info("request",
		"method", method,
		"host", host,
		"client_ip", clientIP,
		"upstream", upstream,
		"status", status,
		"duration_ms", duration,
		"bytes_in", bytesIn,
		"bytes_out", bytesOut,
	)
}

// LogEventBegin logs the start of a probe or config request.
func LogEventBegin(event, sourceID string, args ...any) {
	allArgs := append([]any{"event", event, "source_id", sourceID, "phase", "begin"}, args...)
	current().Debug(event, allArgs...)
}

// LogEventEnd logs the completion of a probe or config request.
func LogEventEnd(event, sourceID string, args ...any) {
	allArgs := append([]any{"event", event, "source_id", sourceID, "phase", "end"}, args...)
	current().Info(event, allArgs...)
}

// LogLoFiTransition logs a Lo-Fi status change.
func LogLoFiTransition(from, to string) {
	current().Debug("lofi_status_changed",
		"from", from,
		"to", to,
	)
}

// LogConnectionLimit logs when a connection limit is reached.
func LogConnectionLimit(limitType, key string, cur, max int) {
	current().Warn("connection_limit_reached",
		"limit_type", limitType,
		"key", key,
		"current", cur,
		"max", max,
	)
}

// LogError logs an error with context.
func LogError(operation string, err error, args ...any) {
	allArgs := append([]any{"operation", operation, "error", err.Error()}, args...)
	current().Error("error", allArgs...)
}
