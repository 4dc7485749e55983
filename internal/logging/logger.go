// Package logging provides the structured logger used across the engine,
// queue, and service packages. It wraps logrus the way flowengine's ambient
// packages are expected to: a small config struct, a constructor, and a
// context-style builder for attaching correlation fields (urn, event,
// queue, job id) without repeating them at every call site.
package logging

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Level is a minimum severity threshold for a Logger.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls how New builds its underlying logrus.Logger.
type Config struct {
	Level      Level  // Minimum level emitted.
	Format     string // "json" or "text".
	Service    string // Attached to every record as "service".
	TimeFormat string
}

// DefaultConfig returns a Config with sensible defaults: info level, text
// format, RFC3339 timestamps.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     "text",
		TimeFormat: time.RFC3339,
	}
}

// New builds a *logrus.Logger from config.
func New(config Config) *logrus.Logger {
	logger := logrus.New()

	switch config.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: config.TimeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: config.TimeFormat, FullTimestamp: true})
	}

	return logger
}

// Logger is a field-carrying wrapper around a *logrus.Logger. Each With*
// call returns a new Logger with the added fields; the base logger and its
// destination are shared.
type Logger struct {
	base   *logrus.Logger
	fields logrus.Fields
}

// NewContext wraps base with the given starting fields. base may be nil, in
// which case a default logger is constructed.
func NewContext(base *logrus.Logger, fields map[string]interface{}) *Logger {
	if base == nil {
		base = New(DefaultConfig())
	}

	merged := make(logrus.Fields, len(fields))
	for k, v := range fields {
		merged[k] = v
	}

	return &Logger{base: base, fields: merged}
}

func (l *Logger) cloneFields() logrus.Fields {
	merged := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	return merged
}

// With returns a copy of l with key=value added to its fields.
func (l *Logger) With(key string, value interface{}) *Logger {
	merged := l.cloneFields()
	merged[key] = value
	return &Logger{base: l.base, fields: merged}
}

// WithFields returns a copy of l with every entry of fields added.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	merged := l.cloneFields()
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{base: l.base, fields: merged}
}

// WithError returns a copy of l with err attached under the "error" field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.With("error", err.Error())
}

// WithContext pulls the active span's trace id out of ctx, when one is
// present, and attaches it as "trace_id".
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return l.With("trace_id", sc.TraceID().String())
	}
	return l
}

func (l *Logger) Debug(msg string)                          { l.base.WithFields(l.fields).Debug(msg) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.base.WithFields(l.fields).Debugf(format, args...) }
func (l *Logger) Info(msg string)                           { l.base.WithFields(l.fields).Info(msg) }
func (l *Logger) Infof(format string, args ...interface{})  { l.base.WithFields(l.fields).Infof(format, args...) }
func (l *Logger) Warn(msg string)                           { l.base.WithFields(l.fields).Warn(msg) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.base.WithFields(l.fields).Warnf(format, args...) }
func (l *Logger) Error(msg string)                          { l.base.WithFields(l.fields).Error(msg) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.base.WithFields(l.fields).Errorf(format, args...) }
