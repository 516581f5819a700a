// Package logging provides the leveled, field-aware logger used by every
// component in this module, backed by logrus.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields carries structured key/value context on a log line.
type Fields = logrus.Fields

// Logger is the subset of logrus's API every component depends on. It is an
// interface so tests can substitute a captured logger.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New builds a Logger at the given level, writing to w.
func New(level string, w io.Writer) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// Default returns a logger at info level writing to stderr.
func Default() Logger {
	return New("info", os.Stderr)
}

// Discard returns a logger that drops everything, for use in tests.
func Discard() Logger {
	return New("error", io.Discard)
}

func (l *logrusLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *logrusLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *logrusLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *logrusLogger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(fields)}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{entry: l.entry.WithError(err)}
}
