// Package logging provides structured logging helpers for the merge tool.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/sdk/log"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	runIDKey  contextKey = "run_id"
)

// Logger wraps slog.Logger with convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logging configuration
type Config struct {
	Level          string              // debug, info, warn, error
	Format         string              // json, text
	LoggerProvider *log.LoggerProvider // Optional OTLP logger provider for exporting logs
	Output         io.Writer           // Defaults to os.Stderr
}

// NewLogger creates a new structured logger based on configuration. When an
// OTLP logger provider is set, records go both to Output and to the provider.
func NewLogger(cfg Config) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelError,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	if cfg.LoggerProvider != nil {
		handler = newMultiHandler(handler, otelslog.NewHandler("merge2users", otelslog.WithLoggerProvider(cfg.LoggerProvider)))
	}

	return &Logger{Logger: slog.New(handler)}
}

// parseLevel maps a config level name to a slog level. Unknown names mean info.
func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler wraps multiple slog handlers to write to multiple destinations
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) *multiHandler {
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle fans the record out to every enabled handler and reports the first
// failure after all of them have run.
func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var first error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m *multiHandler) derive(fn func(slog.Handler) slog.Handler) *multiHandler {
	derived := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		derived[i] = fn(h)
	}
	return &multiHandler{handlers: derived}
}

// WithRunID returns a new logger with the merge run ID attached
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("run_id", runID)),
	}
}

// WithFields returns a new logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.With(fields...),
	}
}

// FromContext returns the run logger stored by WithLogger, falling back to
// slog.Default.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	return &Logger{Logger: slog.Default()}
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetRunID retrieves the run ID from context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(runIDKey).(string); ok {
		return runID
	}
	return ""
}

// WithRunIDContext adds a run ID to the context
func WithRunIDContext(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
