// Package obslog wraps log/slog with sinkholed-specific construction from
// configuration and a package-level global logger.
package obslog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sinkholed/sinkholed/internal/config"
)

// Logger wraps slog.Logger with the configuration it was built from.
type Logger struct {
	*slog.Logger
	cfg *config.Logging
}

// New builds a Logger from the resolved logging configuration.
func New(cfg *config.Logging) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		// #nosec G304 - path comes from an operator-supplied config file.
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("obslog: opening log file: %w", err)
		}
		output = f
	default:
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler), cfg: cfg}, nil
}

// NewDefault returns an info-level text logger writing to stdout, used
// before a configuration file has been loaded.
func NewDefault() *Logger {
	cfg := &config.Logging{Level: "info", Format: "text", Output: "stdout"}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{Logger: slog.New(handler), cfg: cfg}
}

// With returns a child logger with the given key/value pairs attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), cfg: l.cfg}
}

// WithField returns a child logger with a single key/value pair attached.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.With(key, value)
}

func parseLevel(level string) slog.Level {
	switch level {
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

var global *Logger

func init() {
	global = NewDefault()
}

// SetGlobal installs logger as the package-level global and as slog's
// default logger.
func SetGlobal(logger *Logger) {
	global = logger
	slog.SetDefault(logger.Logger)
}

// Global returns the current package-level logger.
func Global() *Logger {
	return global
}

// Debug logs at debug level on the global logger.
func Debug(msg string, args ...any) { global.Debug(msg, args...) }

// Info logs at info level on the global logger.
func Info(msg string, args ...any) { global.Info(msg, args...) }

// Warn logs at warn level on the global logger.
func Warn(msg string, args ...any) { global.Warn(msg, args...) }

// Error logs at error level on the global logger.
func Error(msg string, args ...any) { global.Error(msg, args...) }

// DebugContext logs at debug level with a context on the global logger.
func DebugContext(ctx context.Context, msg string, args ...any) {
	global.DebugContext(ctx, msg, args...)
}

// InfoContext logs at info level with a context on the global logger.
func InfoContext(ctx context.Context, msg string, args ...any) {
	global.InfoContext(ctx, msg, args...)
}
