package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the minimum severity a Logger writes.
type Level int

const (
	// DebugLevel adds per-transaction and per-channel detail.
	DebugLevel Level = iota
	// InfoLevel records role changes, membership changes and recoveries.
	InfoLevel
	// WarnLevel records failed pushes, lost members and retried catch ups.
	WarnLevel
	// ErrorLevel records failures that leave the instance degraded.
	ErrorLevel
)

var levelNames = map[Level]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseLevel reads a --log-level or LOG_LEVEL value. Unknown values fall
// back to InfoLevel.
func ParseLevel(s string) Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "WARNING" {
		return WarnLevel
	}
	for l, name := range levelNames {
		if name == s {
			return l
		}
	}
	return InfoLevel
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func fromZapLevel(l zapcore.Level) Level {
	switch {
	case l <= zapcore.DebugLevel:
		return DebugLevel
	case l == zapcore.InfoLevel:
		return InfoLevel
	case l == zapcore.WarnLevel:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

// Field is one key and value of a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logger every HA component writes to.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With returns a child carrying fields on every entry. Children share
	// the parent's level.
	With(fields ...Field) Logger
	SetLevel(level Level)
	GetLevel() Level
}

// ZapLogger writes JSON lines through a zap core.
type ZapLogger struct {
	base  *zap.Logger
	level zap.AtomicLevel
}

// NopLogger drops everything. Tests and embedded stores use it.
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field) {}
func (NopLogger) Warn(string, ...Field) {}
func (NopLogger) Error(string, ...Field) {}
func (n NopLogger) With(...Field) Logger { return n }
func (NopLogger) SetLevel(Level) {}
func (NopLogger) GetLevel() Level { return InfoLevel }

// NewNopLogger returns a NopLogger.
func NewNopLogger() Logger {
	return NopLogger{}
}
