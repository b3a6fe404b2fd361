// Package logging provides the leveled line logger used by every phasegate
// component.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLogLevel maps a config string to a level; unknown values mean info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger writes "RFC3339 LEVEL component: message" lines.
type Logger struct {
	out       *log.Logger
	level     LogLevel
	component string
	now       func() time.Time
}

// New creates a logger writing to w at the given level.
func New(w io.Writer, level string) *Logger {
	return &Logger{
		out:       log.New(w, "", 0),
		level:     ParseLogLevel(level),
		component: "phasegate",
		now:       time.Now,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, "error")
}

// With returns a child logger tagged with component. Nil-safe.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	child := *l
	child.component = component
	return &child
}

func (l *Logger) Level() LogLevel {
	if l == nil {
		return LogLevelError
	}
	return l.level
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LogLevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LogLevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LogLevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LogLevelError, format, args...) }

func (l *Logger) log(level LogLevel, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", l.now().Format(time.RFC3339), level, l.component, msg)
}
