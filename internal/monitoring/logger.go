package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger used by the tracking engine.
// It defaults to log.Printf but may be replaced by SetLogger so that tests
// and the CLI can redirect or mute engine output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Tagged returns a logger that prefixes every message with "[tag] " and
// forwards to whatever Logf is installed at call time.
func Tagged(tag string) func(format string, v ...interface{}) {
	prefix := "[" + tag + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}

// OnceLogger logs only the first message it receives and counts the rest.
// The frame tracker uses it so that a run with thousands of occluded frames
// does not flood the log.
type OnceLogger struct {
	logf       func(format string, v ...interface{})
	suppressed atomic.Int64
	fired      atomic.Bool
}

// NewOnceLogger wraps logf. A nil logf falls back to Logf.
func NewOnceLogger(logf func(format string, v ...interface{})) *OnceLogger {
	if logf == nil {
		logf = func(format string, v ...interface{}) { Logf(format, v...) }
	}
	return &OnceLogger{logf: logf}
}

// Logf emits the first message and counts every later one.
func (o *OnceLogger) Logf(format string, v ...interface{}) {
	if o.fired.CompareAndSwap(false, true) {
		o.logf(format, v...)
		return
	}
	o.suppressed.Add(1)
}

// Suppressed reports how many messages were swallowed after the first.
func (o *OnceLogger) Suppressed() int64 {
	return o.suppressed.Load()
}
