// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the coordinator's structured logger, built on
// charmbracelet/log, with optional syslog forwarding.
package logging

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Logger wraps charmbracelet/log with the daemon's default formatting.
type Logger struct {
	inner *charmlog.Logger
}

// New creates a Logger writing to w at the given level.
func New(w io.Writer, level charmlog.Level) *Logger {
	return &Logger{inner: charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02T15:04:05Z07:00",
		Prefix:          "tetherd",
		Level:           level,
	})}
}

// Default creates a Logger writing to stderr at info level.
func Default() *Logger {
	return New(os.Stderr, charmlog.InfoLevel)
}

// With returns a child logger with the given key-value pairs attached to
// every subsequent record.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{inner: l.inner.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }
