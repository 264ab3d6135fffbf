package mqtt311

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

// LogFields carries structured context for a log entry.
type LogFields map[string]any

// Logger is the logging interface used throughout the package.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, fields LogFields)
}

// NoOpLogger discards all log entries. It is the default logger.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, fields LogFields) {}
func (NoOpLogger) Info(msg string, fields LogFields) {}
func (NoOpLogger) Warn(msg string, fields LogFields) {}
func (NoOpLogger) Error(msg string, fields LogFields) {}

// StdLogger writes log entries using the standard library logger.
type StdLogger struct {
	logger *log.Logger
}

// NewStdLogger creates a logger writing to stderr.
func NewStdLogger() *StdLogger {
	return &StdLogger{
		logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// NewStdLoggerWith wraps an existing standard library logger.
func NewStdLoggerWith(l *log.Logger) *StdLogger {
	return &StdLogger{logger: l}
}

func (l *StdLogger) Debug(msg string, fields LogFields) { l.print("DEBUG", msg, fields) }
func (l *StdLogger) Info(msg string, fields LogFields) { l.print("INFO", msg, fields) }
func (l *StdLogger) Warn(msg string, fields LogFields) { l.print("WARN", msg, fields) }
func (l *StdLogger) Error(msg string, fields LogFields) { l.print("ERROR", msg, fields) }

func (l *StdLogger) print(level, msg string, fields LogFields) {
	l.logger.Printf("[%s] %s%s", level, msg, formatFields(fields))
}

// formatFields renders fields as " key=value" pairs in sorted order so
// log lines are stable.
func formatFields(fields LogFields) string {
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, fields[k])
	}
	return sb.String()
}

// ColorLogger writes level-colored log entries to stderr.
// Useful for development and the example programs.
type ColorLogger struct {
	logger *log.Logger

	debug *color.Color
	info  *color.Color
	warn  *color.Color
	err   *color.Color
}

// NewColorLogger creates a color logger writing to stderr.
func NewColorLogger() *ColorLogger {
	return &ColorLogger{
		logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
		debug:  color.New(color.FgHiBlack),
		info:   color.New(color.FgGreen),
		warn:   color.New(color.FgYellow),
		err:    color.New(color.FgRed),
	}
}

func (l *ColorLogger) Debug(msg string, fields LogFields) { l.print(l.debug, "DEBUG", msg, fields) }
func (l *ColorLogger) Info(msg string, fields LogFields) { l.print(l.info, "INFO", msg, fields) }
func (l *ColorLogger) Warn(msg string, fields LogFields) { l.print(l.warn, "WARN", msg, fields) }
func (l *ColorLogger) Error(msg string, fields LogFields) { l.print(l.err, "ERROR", msg, fields) }

func (l *ColorLogger) print(c *color.Color, level, msg string, fields LogFields) {
	l.logger.Printf("%s %s%s", c.Sprintf("[%s]", level), msg, formatFields(fields))
}
