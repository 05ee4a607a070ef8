// Package logging provides structured logging with slog for pulsed.
//
// Loggers carry a component attribute, redact sensitive attribute keys,
// and can rotate a log file. The level can be changed at runtime.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// Redacted replaces the value of a redacted attribute.
const Redacted = "[REDACTED]"

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level

	// Format is the output format (text or JSON).
	Format Format

	// Output is "stdout", "stderr", "file", or "both" (stderr and file).
	Output string

	// FilePath is the log file when Output includes a file.
	FilePath string

	// MaxSizeMB is the size of a log file before it is rotated.
	MaxSizeMB int

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool

	// AddSource adds source file and line to log entries.
	AddSource bool

	// RedactKeys are extra attribute keys to redact, matched
	// case-insensitively as substrings.
	RedactKeys []string

	// Component is the default component attribute.
	Component string

	// Writer overrides Output. Used by tests.
	Writer io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   filepath.Join(xdg.StateHome, "pulsed", "pulsed.log"),
		MaxSizeMB:  10,
		MaxAgeDays: 30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "pulsed",
	}
}

// Logger wraps slog.Logger with a shared level and file writer.
type Logger struct {
	*slog.Logger
	config *Config
	level  *slog.LevelVar
	file   *lumberjack.Logger
	mu     *sync.Mutex
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// Default returns the default global logger.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		cfg := DefaultConfig()
		cfg.Writer = os.Stderr
		defaultLogger, _ = New(cfg)
	}
	return defaultLogger
}

// SetDefault sets the default global logger and slog's default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// New creates a new Logger with the given configuration.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{
		config: cfg,
		level:  new(slog.LevelVar),
		mu:     new(sync.Mutex),
	}
	l.level.Set(cfg.Level)

	w, err := l.writer()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	redact := redactor(cfg.RedactKeys)
	opts := &slog.HandlerOptions{
		Level:     l.level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if redact(a.Key) {
				a.Value = slog.StringValue(Redacted)
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

func (l *Logger) writer() (io.Writer, error) {
	if l.config.Writer != nil {
		return l.config.Writer, nil
	}
	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		if l.config.FilePath == "" {
			return nil, fmt.Errorf("log output %q requires a file path", l.config.Output)
		}
		if err := os.MkdirAll(filepath.Dir(l.config.FilePath), 0700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   l.config.FilePath,
			MaxSize:    l.config.MaxSizeMB,
			MaxAge:     l.config.MaxAgeDays,
			MaxBackups: l.config.MaxBackups,
			Compress:   l.config.Compress,
			LocalTime:  true,
		}
		if strings.EqualFold(l.config.Output, "both") {
			return io.MultiWriter(os.Stderr, l.file), nil
		}
		return l.file, nil
	default:
		return os.Stderr, nil
	}
}

var defaultRedactKeys = []string{
	"password", "secret", "token", "credential", "authorization",
	"cookie", "api_key", "apikey", "bearer",
}

// redactor builds a key matcher over the default and extra keys.
func redactor(extra []string) func(string) bool {
	keys := append([]string{}, defaultRedactKeys...)
	for _, k := range extra {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys = append(keys, k)
		}
	}
	return func(key string) bool {
		keyLower := strings.ToLower(key)
		for _, sensitive := range keys {
			if strings.Contains(keyLower, sensitive) {
				return true
			}
		}
		return false
	}
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("component", name)),
		config: l.config,
		level:  l.level,
		file:   l.file,
		mu:     l.mu,
	}
}

// SetLevel changes the level of this logger and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// Level returns the current level.
func (l *Logger) Level() Level {
	return l.level.Level()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Rotate forces a log file rotation.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Rotate()
	}
	return nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l, _ := New(&Config{Writer: io.Discard, Level: LevelError + 4})
	return l
}

type contextKey struct{}

// NewContext returns a context carrying l.
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger in ctx or the default logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*Logger); ok && l != nil {
			return l
		}
	}
	return Default()
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}

// LevelString returns the string representation of a log level.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}
