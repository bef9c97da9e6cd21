package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Driver component identifiers.
const (
	ComponentOHCI     Component = "ohci"
	ComponentSchedule Component = "schedule"
	ComponentPool     Component = "pool"
	ComponentIntr     Component = "intr"
	ComponentRootHub  Component = "roothub"
	ComponentDMA      Component = "dma"
	ComponentEmulator Component = "emulator"
	ComponentHAL      Component = "hal"
	ComponentHost     Component = "host"
	ComponentCLI      Component = "cli"
)

// LogFormat selects the handler the default logger is built with.
type LogFormat int

const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

var (
	// DefaultLogger receives every LogX call. Replace it with SetLogger
	// or rebuild it with SetLogFormat and SetLogOutput.
	DefaultLogger *slog.Logger

	logLevel  = new(slog.LevelVar)
	logFormat = LogFormatText
	logOutput io.Writer = os.Stderr
	logMutex  sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = buildLogger()
}

// buildLogger returns a logger for the current format and output. The
// caller holds logMutex or runs before anyone else can.
func buildLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	if logFormat == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(logOutput, opts))
	}
	return slog.New(slog.NewTextHandler(logOutput, opts))
}

// SetLogLevel sets the minimum level of the default logger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// GetLogLevel returns the minimum level of the default logger.
func GetLogLevel() slog.Level {
	return logLevel.Level()
}

// Enabled reports whether messages at level would be emitted. Hot paths
// use it to skip building key/value lists.
func Enabled(level slog.Level) bool {
	return logLevel.Level() <= level
}

// SetLogger replaces the default logger. Its handler decides the level;
// SetLogLevel only applies to loggers built by this package.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat rebuilds the default logger with format, keeping the
// current output and level.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logFormat = format
	DefaultLogger = buildLogger()
}

// SetLogOutput rebuilds the default logger writing to w, keeping the
// current format and level.
func SetLogOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logOutput = w
	DefaultLogger = buildLogger()
}

// ParseLogLevel maps a level name (debug, info, warn, error) to a slog level.
func ParseLogLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelWarn, fmt.Errorf("%w: log level %q", ErrInvalidParameter, name)
	}
	return level, nil
}

// ParseLogFormat maps a format name (text, json) to a LogFormat.
func ParseLogFormat(name string) (LogFormat, error) {
	switch strings.ToLower(name) {
	case "", "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	default:
		return LogFormatText, fmt.Errorf("%w: log format %q", ErrInvalidParameter, name)
	}
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	if !logger.Enabled(context.Background(), level) {
		return
	}
	logger.Log(context.Background(), level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
