// Package logging wraps zap with the Field/Logger shape Guardian's
// subsystems were written against, so call sites read the same way
// regardless of which backend renders them.
package logging

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors zap's level set under Guardian's naming.
type Level = zapcore.Level

const (
	DEBUG = zapcore.DebugLevel
	INFO  = zapcore.InfoLevel
	WARN  = zapcore.WarnLevel
	ERROR = zapcore.ErrorLevel
	FATAL = zapcore.FatalLevel
)

// Field is a key-value pair attached to a log line.
type Field = zapcore.Field

// Logger is a component-scoped structured logger.
type Logger struct {
	z         *zap.Logger
	component string
}

// Config configures a new Logger.
type Config struct {
	Level     Level
	Component string
	Colorize  bool
	JSON      bool
}

// New builds a Logger per Config. Colorize selects a console encoder with
// ANSI level coloring (the teacher's default for interactive terminals);
// JSON selects a machine-parseable encoder for log aggregation.
func New(cfg Config) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if cfg.Colorize {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), cfg.Level)
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if cfg.Component != "" {
		z = z.With(zap.String("component", cfg.Component))
	}
	return &Logger{z: z, component: cfg.Component}
}

// Default returns a console logger at INFO scoped to component, matching
// the teacher's DefaultLogger convenience constructor.
func Default(component string) *Logger {
	return New(Config{Level: INFO, Component: component, Colorize: true})
}

// With returns a child logger carrying fields on every subsequent call.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...), component: l.component}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, fields...) }

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error { return l.z.Sync() }

// Field constructors, kept to mirror the call sites already written
// against the teacher's logger package.
func String(key, value string) Field           { return zap.String(key, value) }
func Int(key string, value int) Field          { return zap.Int(key, value) }
func Int64(key string, value int64) Field      { return zap.Int64(key, value) }
func Uint64(key string, value uint64) Field    { return zap.Uint64(key, value) }
func Float64(key string, value float64) Field  { return zap.Float64(key, value) }
func Bool(key string, value bool) Field        { return zap.Bool(key, value) }
func Err(err error) Field                      { return zap.Error(err) }
func Duration(key string, value time.Duration) Field { return zap.Duration(key, value) }
func Any(key string, value interface{}) Field  { return zap.Any(key, value) }

var global = Default("guardian")

// SetGlobal replaces the package-level default logger used by the free
// functions below.
func SetGlobal(l *Logger) { global = l }

func Debug(msg string, fields ...Field) { global.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { global.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { global.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { global.Error(msg, fields...) }
func Fatal(msg string, fields ...Field) { global.Fatal(msg, fields...) }
