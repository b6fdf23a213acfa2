// Package log provides structured logging with component context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for the server, store and watcher paths (structured fields)
//   - SugaredLogger: Printf-style logging for CLI surfaces (convenience over performance)
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured logging with component context.
// All log entries include the component field.
type Logger struct {
	zap       *zap.Logger
	component string
	level     zapcore.Level
}

// SugaredLogger provides printf-style logging for CLI surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a logger tagged with the given component name.
// Output defaults to os.Stderr at debug level.
func NewLogger(component string) *Logger {
	return newLoggerWithWriter(component, os.Stderr, zapcore.DebugLevel)
}

// NewLoggerWithLevel creates a component logger that drops entries below level.
// Unknown level names fall back to info.
func NewLoggerWithLevel(component, level string) *Logger {
	return newLoggerWithWriter(component, os.Stderr, ParseLevel(level))
}

// NewNop returns a logger that discards everything. Intended for tests.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop(), level: zapcore.InvalidLevel}
}

// ParseLevel maps a level name onto a zap level (default info).
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

// WithOutput returns a new logger with a different output writer.
// Context added with With or Named is not carried over.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	return newLoggerWithWriter(l.component, w, l.level)
}

// Named returns a child logger tagged with a subcomponent name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("subcomponent", component)), component: l.component, level: l.level}
}

// With returns a child logger carrying the given context fields on every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &Logger{zap: l.zap.With(zf...), component: l.component, level: l.level}
}

func newLoggerWithWriter(component string, w io.Writer, level zapcore.Level) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		level,
	)
	return &Logger{
		zap:       zap.New(core).With(zap.String("component", component)),
		component: component,
		level:     level,
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
