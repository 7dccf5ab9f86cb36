package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is what the lookup layers log through. It only carries the
// levels they use: Debugf for absorbed decoding errors and registry
// changes, the others for the command line.
type Logger interface {
	// WithFields returns a Logger that adds fields to every entry.
	WithFields(fields Fields) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LoggerFactory builds the Logger of a layer. fields and out may be nil,
// a nil out means the default destination.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory makes every layer logger come from lf. A nil lf
// restores the logrus loggers.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

// Fields are the key/value pairs attached to log entries.
type Fields map[string]interface{}

// logrusLogger adapts a logrus entry to Logger.
type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}
