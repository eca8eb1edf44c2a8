// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface used across the attribution service.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Sync() error
}

// zapLogger wraps a zap.Logger
type zapLogger struct {
	log *zap.Logger
}

// New creates a new logger at info level
func New() Logger {
	return NewWithLevel("info")
}

// NewWithLevel creates a new logger with a specific level
func NewWithLevel(level string) Logger {
	lvl := zapcore.InfoLevel
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "info":
		lvl = zapcore.InfoLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	log, err := cfg.Build()
	if err != nil {
		return &noOpLogger{}
	}

	return &zapLogger{log: log.Named("attribution")}
}

// NoOp returns a no-op logger
func NoOp() Logger {
	return &noOpLogger{}
}

// NoLog is a no-op logger instance
var NoLog = NoOp()

func (l *zapLogger) Debug(msg string, fields ...zap.Field) { l.log.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...zap.Field)  { l.log.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...zap.Field)  { l.log.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...zap.Field) { l.log.Error(msg, fields...) }
func (l *zapLogger) Sync() error                           { return l.log.Sync() }

// noOpLogger is a logger that does nothing
type noOpLogger struct{}

func (n *noOpLogger) Debug(msg string, fields ...zap.Field) {}
func (n *noOpLogger) Info(msg string, fields ...zap.Field)  {}
func (n *noOpLogger) Warn(msg string, fields ...zap.Field)  {}
func (n *noOpLogger) Error(msg string, fields ...zap.Field) {}
func (n *noOpLogger) Sync() error                           { return nil }

// Re-exports so callers don't have to import zap for common fields.
func String(key, val string) zap.Field {
	return zap.String(key, val)
}

func Int(key string, val int) zap.Field {
	return zap.Int(key, val)
}

func Uint64(key string, val uint64) zap.Field {
	return zap.Uint64(key, val)
}

func Float64(key string, val float64) zap.Field {
	return zap.Float64(key, val)
}

func Error(err error) zap.Field {
	return zap.Error(err)
}
