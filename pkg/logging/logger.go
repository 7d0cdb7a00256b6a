package logging

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewZapLogger writes one JSON object per entry to writer. Entries carry
// "time", "level" and "msg" keys followed by their fields.
func NewZapLogger(writer io.Writer, level Level) *ZapLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	atom := zap.NewAtomicLevelAt(level.zapLevel())
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(writer)),
		atom,
	)

	return &ZapLogger{
		base:  zap.New(core),
		level: atom,
	}
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, toZapFields(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...Field) { l.base.Info(msg, toZapFields(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...Field) { l.base.Warn(msg, toZapFields(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...Field) { l.base.Error(msg, toZapFields(fields)...) }

func (l *ZapLogger) With(fields ...Field) Logger {
	return &ZapLogger{base: l.base.With(toZapFields(fields)...), level: l.level}
}

func (l *ZapLogger) SetLevel(level Level) { l.level.SetLevel(level.zapLevel()) }
func (l *ZapLogger) GetLevel() Level { return fromZapLevel(l.level.Level()) }

// Sync flushes buffered entries. graphdb-ha run defers it.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

var (
	processMu     sync.RWMutex
	processLogger Logger
)

// DefaultLogger is the process logger that components fall back to when
// built without one. Until SetDefaultLogger runs it writes to stderr at
// the LOG_LEVEL environment level.
func DefaultLogger() Logger {
	processMu.RLock()
	l := processLogger
	processMu.RUnlock()
	if l != nil {
		return l
	}
	processMu.Lock()
	defer processMu.Unlock()
	if processLogger == nil {
		processLogger = NewZapLogger(os.Stderr, ParseLevel(os.Getenv("LOG_LEVEL")))
	}
	return processLogger
}

// SetDefaultLogger replaces the process logger.
func SetDefaultLogger(logger Logger) {
	processMu.Lock()
	processLogger = logger
	processMu.Unlock()
}

// OrDefault returns logger, or DefaultLogger when logger is nil.
func OrDefault(logger Logger) Logger {
	if logger == nil {
		return DefaultLogger()
	}
	return logger
}
