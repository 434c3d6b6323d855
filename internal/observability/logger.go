// Package observability defines shared logging primitives.
package observability

import "sync/atomic"

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for building a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

type loggerHolder struct {
	logger Logger
}

var defaultLogger atomic.Pointer[loggerHolder]

func init() {
	defaultLogger.Store(&loggerHolder{logger: noopLogger{}})
}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	defaultLogger.Store(&loggerHolder{logger: logger})
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger.Load().logger
}

// With returns a logger that prepends fields to every entry.
func With(base Logger, fields ...Field) Logger {
	if base == nil {
		base = Log()
	}
	if len(fields) == 0 {
		return base
	}
	bound := make([]Field, len(fields))
	copy(bound, fields)
	return boundLogger{base: base, fields: bound}
}

type boundLogger struct {
	base   Logger
	fields []Field
}

func (l boundLogger) merge(fields []Field) []Field {
	out := make([]Field, 0, len(l.fields)+len(fields))
	out = append(out, l.fields...)
	return append(out, fields...)
}

func (l boundLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, l.merge(fields)...) }
func (l boundLogger) Info(msg string, fields ...Field)  { l.base.Info(msg, l.merge(fields)...) }
func (l boundLogger) Warn(msg string, fields ...Field)  { l.base.Warn(msg, l.merge(fields)...) }
func (l boundLogger) Error(msg string, fields ...Field) { l.base.Error(msg, l.merge(fields)...) }

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
