// Package logging provides the structured logging interface used across
// nexus-core's components. It keeps the teacher's small Logger surface
// (Debugf/Infof/Warnf/Errorf/Fatalf) but backs it with logrus instead of
// a bare stdlib wrapper.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging contract every component depends on. Production
// callers use NewDefault (or NewDebug); tests typically use NewTest.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// WithField returns a derived Logger that tags every subsequent
	// line with the given key/value, mirroring logrus.Entry semantics.
	WithField(key string, value interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// NewDefault returns a production Logger writing structured
// (text-formatted) lines to stderr.
func NewDefault() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// NewDebug returns a production Logger with debug-level verbosity
// enabled, for long-running daemons under diagnosis.
func NewDebug() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.DebugLevel)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *logrusLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}
