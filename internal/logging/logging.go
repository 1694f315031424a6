package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	structuredLogger    *slog.Logger
	humanReadableLogger *slog.Logger
	loggerMu            sync.RWMutex
	levelVar            = new(slog.LevelVar)
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// Add trace and fatal level names.
var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

// RotationConfig controls lumberjack rotation for file loggers.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRotation returns the rotation used when none is configured.
func DefaultRotation() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// replaceLevel customizes level names in both handlers
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if !ok {
			return a
		}
		levelLabel, exists := levelNames[level]
		if !exists {
			levelLabel = level.String()
		}
		a.Value = slog.StringValue(levelLabel)
	}
	return a
}

// Init initializes the logging system with structured and human-readable loggers.
// Structured logs go to stdout as JSON, human-readable logs to stderr as text.
func Init() {
	SetOutput(os.Stdout, os.Stderr)
}

// SetLevel sets the minimum logging level for both loggers.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// ParseLevel maps a configuration string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SetOutput redirects logger output, e.g., to a file or a test buffer.
func SetOutput(structuredOutput, humanReadableOutput io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	structuredLogger = slog.New(slog.NewJSONHandler(structuredOutput, &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceLevel,
	}))
	humanReadableLogger = slog.New(slog.NewTextHandler(humanReadableOutput, &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceLevel,
	}))

	slog.SetDefault(structuredLogger)
}

// Structured returns the globally configured structured (JSON) logger.
// Returns nil if Init() has not been called.
func Structured() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return structuredLogger
}

// HumanReadable returns the globally configured human-readable (Text) logger.
// Returns nil if Init() has not been called.
func HumanReadable() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return humanReadableLogger
}

// ForService creates a logger with the 'service' attribute added.
// Falls back to slog.Default() when Init() has not been called, so library
// code and tests always get a usable logger. The handler is resolved per
// record, so package-level loggers follow a later Setup.
func ForService(serviceName string) *slog.Logger {
	return slog.New(lateHandler{}).With("service", serviceName)
}

// lateHandler forwards to the currently configured handler
type lateHandler struct {
	wrap func(slog.Handler) slog.Handler
}

func (h lateHandler) current() slog.Handler {
	base := Structured()
	if base == nil {
		base = slog.Default()
	}
	if h.wrap == nil {
		return base.Handler()
	}
	return h.wrap(base.Handler())
}

func (h lateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.current().Enabled(ctx, level)
}

func (h lateHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h lateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prev := h.wrap
	return lateHandler{wrap: func(base slog.Handler) slog.Handler {
		if prev != nil {
			base = prev(base)
		}
		return base.WithAttrs(attrs)
	}}
}

func (h lateHandler) WithGroup(name string) slog.Handler {
	prev := h.wrap
	return lateHandler{wrap: func(base slog.Handler) slog.Handler {
		if prev != nil {
			base = prev(base)
		}
		return base.WithGroup(name)
	}}
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Convenience functions using the default logger ---

// Debug logs a debug message using the default slog logger.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Info logs an info message using the default slog logger.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Warn logs a warning message using the default slog logger.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs an error message using the default slog logger.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// Fatal logs a fatal message using the custom Fatal level and then exits.
func Fatal(msg string, args ...any) {
	slog.Log(context.TODO(), LevelFatal, msg, args...)
	os.Exit(1)
}

// Trace logs a trace message using the custom Trace level.
func Trace(msg string, args ...any) {
	slog.Log(context.TODO(), LevelTrace, msg, args...)
}

// NewFileLogger creates a slog.Logger writing JSON logs to filePath through
// lumberjack for rotation. It includes a 'service' attribute in all logs and
// returns a closer for the underlying writer.
func NewFileLogger(filePath, serviceName string, level slog.Level, rotation RotationConfig) (*slog.Logger, func() error, error) {
	// lumberjack doesn't create directories
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	defaults := DefaultRotation()
	if rotation.MaxSizeMB <= 0 {
		rotation.MaxSizeMB = defaults.MaxSizeMB
	}
	if rotation.MaxBackups <= 0 {
		rotation.MaxBackups = defaults.MaxBackups
	}
	if rotation.MaxAgeDays <= 0 {
		rotation.MaxAgeDays = defaults.MaxAgeDays
	}

	logWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	fileHandler := slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	})

	logger := slog.New(fileHandler).With("service", serviceName)

	closeFunc := func() error {
		return logWriter.Close()
	}

	return logger, closeFunc, nil
}

// Options configures Setup
type Options struct {
	Level    slog.Level
	Format   string // "json" or "text"
	FilePath string // optional JSON log file, rotated by lumberjack
	Rotation RotationConfig
}

// Setup initializes the global loggers from opts. Service loggers write to
// stderr in the chosen format and, when FilePath is set, as JSON to the
// rotated file. The returned closer releases the file.
func Setup(opts Options) (func() error, error) {
	console := io.Writer(os.Stderr)
	closer := func() error { return nil }

	var file *lumberjack.Logger
	if opts.FilePath != "" {
		if dir := filepath.Dir(opts.FilePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
			}
		}
		rotation := opts.Rotation
		defaults := DefaultRotation()
		if rotation.MaxSizeMB <= 0 {
			rotation.MaxSizeMB = defaults.MaxSizeMB
		}
		file = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
			MaxAge:     rotation.MaxAgeDays,
			Compress:   rotation.Compress,
		}
		closer = file.Close
	}

	handlerOpts := &slog.HandlerOptions{Level: levelVar, ReplaceAttr: replaceLevel}
	var consoleHandler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		consoleHandler = slog.NewJSONHandler(console, handlerOpts)
	} else {
		consoleHandler = slog.NewTextHandler(console, handlerOpts)
	}

	handler := consoleHandler
	if file != nil {
		handler = fanoutHandler{consoleHandler, slog.NewJSONHandler(file, handlerOpts)}
	}

	levelVar.Set(opts.Level)
	loggerMu.Lock()
	structuredLogger = slog.New(handler)
	humanReadableLogger = slog.New(consoleHandler)
	loggerMu.Unlock()
	slog.SetDefault(structuredLogger)
	return closer, nil
}

// fanoutHandler writes every record to all handlers
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, hh := range h {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, hh := range h {
		out[i] = hh.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, hh := range h {
		out[i] = hh.WithGroup(name)
	}
	return out
}
