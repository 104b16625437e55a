// Package ports defines interfaces for external dependencies: the codec
// channel, output sinks, logging and file access.
package ports

import "fmt"

// LogLevel represents the severity level of a log message.
type LogLevel int

const (
	// LevelDebug is for per-unit and per-poll details from components.
	LevelDebug LogLevel = iota
	// LevelInfo is for run-level progress.
	LevelInfo
	// LevelWarn is for recoverable problems, such as a truncated final frame.
	LevelWarn
	// LevelError is for problems that abort the run.
	LevelError
	// LevelQuiet suppresses all log output.
	LevelQuiet
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelQuiet:
		return "quiet"
	default:
		return "unknown"
	}
}

// ParseLogLevel parses a string into a LogLevel.
// An empty string selects LevelInfo.
func ParseLogLevel(s string) (LogLevel, error) {
	switch s {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "quiet":
		return LevelQuiet, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger abstracts logging operations with multi-language support.
type Logger interface {
	// Debug logs component-level details. msg is a translatable format key.
	Debug(msg string, args ...interface{})

	// Info logs run-level progress.
	Info(msg string, args ...interface{})

	// Warn logs recoverable problems.
	Warn(msg string, args ...interface{})

	// Error logs problems that stop processing.
	Error(msg string, args ...interface{})

	// WithComponent returns a Logger that prefixes messages with the component name.
	WithComponent(component string) Logger
}
