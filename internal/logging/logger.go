// Package logging provides simple leveled, subsystem-tagged logging for
// the embodios kernel simulation.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger wraps stdlib log with level support.
type Logger struct {
	logger *log.Logger
	level  LogLevel
	mu     sync.Mutex
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  config.Level,
	}
}

// Default returns the process-wide default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// Subsystem tags which kernel subsystem emitted a log line (§2's build
// order: sched, memory, virtio, weights, inference, boot). Call sites
// used to spell this out by hand as a string prefix on every message
// ("sched: ...", "memory: ...", "virtio: ..."); Subsystem makes that tag
// a typed, queryable field instead of free text baked into the message.
type Subsystem string

const (
	SubsystemBoot      Subsystem = "boot"
	SubsystemSched     Subsystem = "sched"
	SubsystemMemory    Subsystem = "memory"
	SubsystemVirtio    Subsystem = "virtio"
	SubsystemWeights   Subsystem = "weights"
	SubsystemInference Subsystem = "inference"
)

// For scopes l to one kernel subsystem: every line logged through the
// returned Sub carries sub in brackets ahead of the message, the way the
// level prefix already does. The underlying Logger (output, level, mutex)
// is shared, so multiple subsystems logging concurrently still serialize
// through one writer.
func (l *Logger) For(sub Subsystem) Sub {
	return Sub{base: l, sub: sub}
}

// Sub is a Logger scoped to one Subsystem. It is the handle sched,
// memory, virtio, weights and the top-level Kernel hold instead of a bare
// *Logger, so every line they emit is self-identifying without the
// caller having to spell the subsystem name into the message string.
type Sub struct {
	base *Logger
	sub  Subsystem
}

// formatArgs converts key-value pairs to a trailing " k=v k=v" string.
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, prefix string, sub Subsystem, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub != "" {
		l.logger.Printf("%s [%s] %s%s", prefix, sub, msg, formatArgs(args))
		return
	}
	l.logger.Printf("%s %s%s", prefix, msg, formatArgs(args))
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, "[DEBUG]", "", msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, "[INFO]", "", msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, "[WARN]", "", msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, "[ERROR]", "", msg, args...) }

func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", "", fmt.Sprintf(format, args...))
}
func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", "", fmt.Sprintf(format, args...))
}
func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", "", fmt.Sprintf(format, args...))
}
func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", "", fmt.Sprintf(format, args...))
}

// Printf logs at info level for compatibility with fmt.Stringer-ish callers.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

func (s Sub) Debug(msg string, args ...any) { s.base.log(LevelDebug, "[DEBUG]", s.sub, msg, args...) }
func (s Sub) Info(msg string, args ...any)  { s.base.log(LevelInfo, "[INFO]", s.sub, msg, args...) }
func (s Sub) Warn(msg string, args ...any)  { s.base.log(LevelWarn, "[WARN]", s.sub, msg, args...) }
func (s Sub) Error(msg string, args ...any) { s.base.log(LevelError, "[ERROR]", s.sub, msg, args...) }

func (s Sub) Debugf(format string, args ...any) {
	s.base.log(LevelDebug, "[DEBUG]", s.sub, fmt.Sprintf(format, args...))
}
func (s Sub) Infof(format string, args ...any) {
	s.base.log(LevelInfo, "[INFO]", s.sub, fmt.Sprintf(format, args...))
}
func (s Sub) Warnf(format string, args ...any) {
	s.base.log(LevelWarn, "[WARN]", s.sub, fmt.Sprintf(format, args...))
}
func (s Sub) Errorf(format string, args ...any) {
	s.base.log(LevelError, "[ERROR]", s.sub, fmt.Sprintf(format, args...))
}

// Global convenience functions against the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
