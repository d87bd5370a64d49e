// Package logger wraps logrus the way the teacher's server/logger package
// wraps its own logging backend (commitlog.go takes an Options.Logger and
// calls Silent(true) when none is configured): a small interface so callers
// never import logrus directly, with a discarding logger for tests.
package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the subset of logging behavior the store, stream client and
// coordinator depend on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	Silent(silent bool)
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New creates a Logger at the given level ("debug", "info", "warn",
// "error"); an unrecognized level falls back to info.
func New(level string) Logger {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// Discard returns a Logger that drops everything, for tests.
func Discard() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) Silent(silent bool) {
	if silent {
		l.entry.Logger.SetOutput(io.Discard)
	}
}
