package logging

import (
	"fmt"
	"testing"
)

// testLogger routes log lines through testing.T.Logf so they are only
// shown on test failure, and so that tests don't pay logrus's
// formatting cost.
type testLogger struct {
	t      *testing.T
	prefix string
}

// NewTest returns a Logger suitable for use in tests.
func NewTest(t *testing.T) Logger {
	return &testLogger{t: t}
}

func (l *testLogger) logf(level, format string, args ...interface{}) {
	l.t.Helper()
	l.t.Logf("[%s]%s "+format, append([]interface{}{level, l.prefix}, args...)...)
}

func (l *testLogger) Debugf(format string, args ...interface{}) { l.logf("DEBUG", format, args...) }
func (l *testLogger) Infof(format string, args ...interface{})  { l.logf("INFO", format, args...) }
func (l *testLogger) Warnf(format string, args ...interface{})  { l.logf("WARN", format, args...) }
func (l *testLogger) Errorf(format string, args ...interface{}) { l.logf("ERROR", format, args...) }
func (l *testLogger) Fatalf(format string, args ...interface{}) {
	l.t.Helper()
	l.t.Fatalf(format, args...)
}

func (l *testLogger) WithField(key string, value interface{}) Logger {
	return &testLogger{t: l.t, prefix: fmt.Sprintf("%s %s=%v", l.prefix, key, value)}
}
