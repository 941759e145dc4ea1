// Copyright 2026 The wirespool Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging provides the leveled logger shared by all wirespool
// components. Framing and spooling errors are logged and degraded
// gracefully rather than propagated; the logger is how those conditions
// stay visible.
package logging

import (
	"io"
	"log"
	"os"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// Logger provides structured logging with levels. Each component holds its
// own Logger with a component prefix, e.g. "wirespool/frame: ".
type Logger struct {
	logger *log.Logger
	level  LogLevel
}

// New creates a Logger writing to stderr with the given prefix and level.
func New(prefix string, level LogLevel) *Logger {
	return &Logger{
		logger: log.New(os.Stderr, prefix, log.LstdFlags),
		level:  level,
	}
}

// NewWithWriter creates a Logger with a custom writer, prefix and level.
func NewWithWriter(w io.Writer, prefix string, level LogLevel) *Logger {
	return &Logger{
		logger: log.New(w, prefix, log.LstdFlags),
		level:  level,
	}
}

// SetLevel sets the minimum logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
}

// IsEnabled checks if a log level is enabled
func (l *Logger) IsEnabled(level LogLevel) bool {
	return level <= l.level
}

// Error logs at error level
func (l *Logger) Error(format string, args ...interface{}) {
	if l.IsEnabled(LogLevelError) {
		l.logger.Printf("[ERROR] "+format, args...)
	}
}

// Warn logs at warning level
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.IsEnabled(LogLevelWarn) {
		l.logger.Printf("[WARN] "+format, args...)
	}
}

// Info logs at info level
func (l *Logger) Info(format string, args ...interface{}) {
	if l.IsEnabled(LogLevelInfo) {
		l.logger.Printf("[INFO] "+format, args...)
	}
}

// Debug logs at debug level
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.IsEnabled(LogLevelDebug) {
		l.logger.Printf("[DEBUG] "+format, args...)
	}
}

// Trace logs at trace level (most verbose)
func (l *Logger) Trace(format string, args ...interface{}) {
	if l.IsEnabled(LogLevelTrace) {
		l.logger.Printf("[TRACE] "+format, args...)
	}
}

// Default loggers
var (
	// DevNull logger that discards all output
	DevNull = NewWithWriter(io.Discard, "", LogLevelError)

	// Default logger at info level
	Default = New("wirespool: ", LogLevelInfo)
)
