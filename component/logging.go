package component

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// LogLevel represents the severity level of a log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// LogEntry is a structured log entry published to NATS so an operator console
// can tail the logs of every acquisition process on the bus.
type LogEntry struct {
	Timestamp string   `json:"timestamp"` // RFC3339 format
	Level     LogLevel `json:"level"`
	Component string   `json:"component"`
	Message   string   `json:"message"`
	Detail    string   `json:"detail,omitempty"` // error detail when present
}

// LogPublisher is the transport surface the logger mirrors entries to.
// *natsclient.Client satisfies it.
type LogPublisher interface {
	Publish(subject string, data []byte) error
}

// Logger provides structured logging for components. It wraps a slog.Logger
// for local output and optionally mirrors entries to the NATS subject
// logs.<component> for remote consumption.
type Logger struct {
	componentName string
	publisher     LogPublisher
	logger        *slog.Logger
	enabled       bool
}

// NewLogger creates a component logger. Pass a nil publisher to disable
// NATS mirroring.
func NewLogger(componentName string, publisher LogPublisher, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		componentName: componentName,
		publisher:     publisher,
		logger:        logger,
		enabled:       publisher != nil,
	}
}

// Debug logs a debug-level message.
func (cl *Logger) Debug(msg string, args ...any) {
	cl.publish(context.Background(), LogLevelDebug, msg, "")
	cl.logger.Debug(msg, cl.withComponent(args)...)
}

// Info logs an info-level message.
func (cl *Logger) Info(msg string, args ...any) {
	cl.publish(context.Background(), LogLevelInfo, msg, "")
	cl.logger.Info(msg, cl.withComponent(args)...)
}

// Warn logs a warning-level message.
func (cl *Logger) Warn(msg string, args ...any) {
	cl.publish(context.Background(), LogLevelWarn, msg, "")
	cl.logger.Warn(msg, cl.withComponent(args)...)
}

// Error logs an error-level message with optional error detail.
func (cl *Logger) Error(msg string, err error, args ...any) {
	detail := ""
	if err != nil {
		detail = err.Error()
		args = append(args, "error", err)
	}
	cl.publish(context.Background(), LogLevelError, msg, detail)
	cl.logger.Error(msg, cl.withComponent(args)...)
}

func (cl *Logger) withComponent(args []any) []any {
	return append([]any{"component", cl.componentName}, args...)
}

func (cl *Logger) publish(ctx context.Context, level LogLevel, message, detail string) {
	if !cl.enabled {
		return
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: cl.componentName,
		Message:   message,
		Detail:    detail,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		cl.logger.Error("failed to marshal log entry", "error", err)
		return
	}

	subject := fmt.Sprintf("logs.%s", cl.componentName)
	if err := cl.publisher.Publish(subject, data); err != nil {
		cl.logger.Error("failed to publish log entry", "error", err, "subject", subject)
	}
}
