package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
	mu            sync.RWMutex
)

// Init initializes the global logger from environment variables.
// DEBUG=true enables debug level logging, LOG_FORMAT=json switches to JSON.
// It is a no-op once the logger has been configured.
func Init() {
	once.Do(func() {
		setDefault(newLogger(os.Stdout, os.Getenv("DEBUG") == "true", os.Getenv("LOG_FORMAT")))
	})
}

// Configure replaces the global logger. It is called once the configuration
// is loaded, so flags and env agree on the level.
func Configure(debug bool, format string) {
	ConfigureOutput(os.Stdout, debug, format)
}

// ConfigureOutput is Configure with an explicit destination.
func ConfigureOutput(w io.Writer, debug bool, format string) {
	once.Do(func() {})
	setDefault(newLogger(w, debug, format))
}

func newLogger(w io.Writer, debug bool, format string) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
		// Add source file information if in debug mode
		AddSource: debug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func setDefault(l *slog.Logger) {
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
	slog.SetDefault(l)
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	Init()
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Debug logs at Debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at Info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at Warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at Error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// Fatal logs at Error level and then exits.
func Fatal(msg string, args ...any) {
	Logger().Error(msg, args...)
	os.Exit(1)
}

// With returns a new logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// DebugContext logs at Debug level with context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	Logger().DebugContext(ctx, msg, args...)
}

// InfoContext logs at Info level with context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	Logger().InfoContext(ctx, msg, args...)
}

// WarnContext logs at Warn level with context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	Logger().WarnContext(ctx, msg, args...)
}

// ErrorContext logs at Error level with context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Logger().ErrorContext(ctx, msg, args...)
}
