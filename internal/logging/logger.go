package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger provides structured JSON logging
type Logger struct {
	slog *slog.Logger
}

// New creates a JSON logger writing to w at the given level
// (debug, info, warn, error; anything else means info).
func New(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.MessageKey {
				a.Key = "message"
			}
			return a
		},
	})
	return &Logger{slog: slog.New(handler)}
}

// NewLogger creates an info level stdout logger for one component
func NewLogger(component string) *Logger {
	return New(os.Stdout, "info").Component(component)
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return New(io.Discard, "error")
}

// Component returns a child logger tagged with the component name
func (l *Logger) Component(name string) *Logger {
	return &Logger{slog: l.slog.With("component", name)}
}

// With returns a child logger that adds fields to every entry
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{slog: l.slog.With(toArgs(fields)...)}
}

// Info logs an info level message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(slog.LevelInfo, message, mergeFields(fields...))
}

// Error logs an error level message
func (l *Logger) Error(message string, err error, fields ...map[string]interface{}) {
	fieldsMap := mergeFields(fields...)
	if err != nil {
		fieldsMap["error"] = err.Error()
	}
	l.log(slog.LevelError, message, fieldsMap)
}

// Warn logs a warning level message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(slog.LevelWarn, message, mergeFields(fields...))
}

// Debug logs a debug level message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(slog.LevelDebug, message, mergeFields(fields...))
}

func (l *Logger) log(level slog.Level, message string, fields map[string]interface{}) {
	ctx := context.Background()
	if !l.slog.Enabled(ctx, level) {
		return
	}
	l.slog.Log(ctx, level, message, toArgs(fields)...)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func toArgs(fields map[string]interface{}) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func mergeFields(fields ...map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for _, f := range fields {
		for k, v := range f {
			result[k] = v
		}
	}
	return result
}
