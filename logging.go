// logging.go: pluggable logging interface, log levels and named log sources
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"fmt"
	"strings"
	"time"

	"github.com/agilira/go-timecache"
)

// Logger defines the pluggable logging interface used throughout the
// chainloader.
//
// Any logging framework can be adapted to it. LogSource, the named channel
// handed to every plugin, implements it as well.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error message with optional key-value pairs
	Error(msg string, args ...any)

	// With returns a new logger with persistent context key-value pairs
	With(args ...any) Logger
}

// NoOpLogger provides a silent logger implementation for testing and minimal setups.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Debug implements Logger interface (no-op)
func (n *NoOpLogger) Debug(msg string, args ...any) {}

// Info implements Logger interface (no-op)
func (n *NoOpLogger) Info(msg string, args ...any) {}

// Warn implements Logger interface (no-op)
func (n *NoOpLogger) Warn(msg string, args ...any) {}

// Error implements Logger interface (no-op)
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With implements Logger interface (no-op)
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// LogLevel is a set of log severities. Levels are bit flags so listeners
// can filter on arbitrary combinations.
type LogLevel uint32

const (
	LevelNone    LogLevel = 0
	LevelFatal   LogLevel = 1 << 0
	LevelError   LogLevel = 1 << 1
	LevelWarning LogLevel = 1 << 2
	LevelMessage LogLevel = 1 << 3
	LevelInfo    LogLevel = 1 << 4
	LevelDebug   LogLevel = 1 << 5
	LevelAll     LogLevel = LevelFatal | LevelError | LevelWarning | LevelMessage | LevelInfo | LevelDebug
)

var levelNames = []struct {
	level LogLevel
	name  string
}{
	{LevelFatal, "Fatal"},
	{LevelError, "Error"},
	{LevelWarning, "Warning"},
	{LevelMessage, "Message"},
	{LevelInfo, "Info"},
	{LevelDebug, "Debug"},
}

// String returns the level name, or a comma-separated list for combinations.
func (l LogLevel) String() string {
	switch l {
	case LevelNone:
		return "None"
	case LevelAll:
		return "All"
	}
	names := make([]string, 0, len(levelNames))
	for _, ln := range levelNames {
		if l&ln.level != 0 {
			names = append(names, ln.name)
		}
	}
	return strings.Join(names, ", ")
}

// Has reports whether every flag of other is set in l.
func (l LogLevel) Has(other LogLevel) bool {
	return other != LevelNone && l&other == other
}

// AtOrAbove returns the mask of l and every more severe level.
// For LevelInfo that is Fatal, Error, Warning, Message and Info.
func AtOrAbove(l LogLevel) LogLevel {
	mask := LevelNone
	for _, ln := range levelNames {
		mask |= ln.level
		if ln.level == l {
			return mask
		}
	}
	return LevelAll
}

// ParseLogLevel parses a level threshold ("info" selects Info and everything
// more severe), "all", "none", or a comma-separated list of exact levels
// ("error,debug").
func ParseLogLevel(s string) (LogLevel, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	switch trimmed {
	case "", "none":
		return LevelNone, nil
	case "all":
		return LevelAll, nil
	}

	if !strings.Contains(trimmed, ",") {
		level, err := parseSingleLevel(trimmed)
		if err != nil {
			return LevelNone, err
		}
		return AtOrAbove(level), nil
	}

	mask := LevelNone
	for _, part := range strings.Split(trimmed, ",") {
		level, err := parseSingleLevel(strings.TrimSpace(part))
		if err != nil {
			return LevelNone, err
		}
		mask |= level
	}
	return mask, nil
}

func parseSingleLevel(name string) (LogLevel, error) {
	switch name {
	case "fatal":
		return LevelFatal, nil
	case "error":
		return LevelError, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "message":
		return LevelMessage, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return LevelNone, fmt.Errorf("unknown log level %q", name)
}

// LogEvent is one (severity, message, source) record.
type LogEvent struct {
	Level   LogLevel
	Message string
	Source  string
	Time    time.Time
	Fields  []any
}

// String renders the event as "[Level  :Source] message key=value".
func (e LogEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%-7s:%10s] %s", e.Level, e.Source, e.Message)
	for i := 0; i+1 < len(e.Fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", e.Fields[i], e.Fields[i+1])
	}
	if len(e.Fields)%2 == 1 {
		fmt.Fprintf(&b, " %v", e.Fields[len(e.Fields)-1])
	}
	return b.String()
}

// LogSource is a named log channel. Events it emits are dispatched to every
// listener registered with its LogManager.
type LogSource struct {
	name    string
	manager *LogManager
	fields  []any
}

// Name returns the source name.
func (s *LogSource) Name() string { return s.name }

// Log emits an event at an explicit level.
func (s *LogSource) Log(level LogLevel, msg string, args ...any) {
	fields := args
	if len(s.fields) > 0 {
		fields = make([]any, 0, len(s.fields)+len(args))
		fields = append(fields, s.fields...)
		fields = append(fields, args...)
	}
	s.manager.dispatch(LogEvent{
		Level:   level,
		Message: msg,
		Source:  s.name,
		Time:    timecache.CachedTime(),
		Fields:  fields,
	})
}

// Fatal logs a failure that disabled a plugin or the chainload itself.
func (s *LogSource) Fatal(msg string, args ...any) { s.Log(LevelFatal, msg, args...) }

// Message logs a user-facing message.
func (s *LogSource) Message(msg string, args ...any) { s.Log(LevelMessage, msg, args...) }

// Debug implements Logger.
func (s *LogSource) Debug(msg string, args ...any) { s.Log(LevelDebug, msg, args...) }

// Info implements Logger.
func (s *LogSource) Info(msg string, args ...any) { s.Log(LevelInfo, msg, args...) }

// Warn implements Logger.
func (s *LogSource) Warn(msg string, args ...any) { s.Log(LevelWarning, msg, args...) }

// Error implements Logger.
func (s *LogSource) Error(msg string, args ...any) { s.Log(LevelError, msg, args...) }

// With implements Logger.
func (s *LogSource) With(args ...any) Logger {
	fields := make([]any, 0, len(s.fields)+len(args))
	fields = append(fields, s.fields...)
	fields = append(fields, args...)
	return &LogSource{name: s.name, manager: s.manager, fields: fields}
}
