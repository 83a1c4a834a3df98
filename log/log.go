// Package log provides a context-carried structured logger backed by logrus.
package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Fields is a set of key/value pairs attached to a log entry.
type Fields map[string]interface{}

// Logger is the logging interface used across the module. It is satisfied by
// the logrus entry wrapper returned from GetLogger.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})

	WithFields(fields Fields) Logger
	WithError(err error) Logger
	// LogrusEntry exposes the underlying logrus entry, for adapters that require it.
	LogrusEntry() *logrus.Entry
}

type loggerKey struct{}

type entry struct {
	*logrus.Entry
}

func (e entry) WithFields(fields Fields) Logger {
	return entry{e.Entry.WithFields(logrus.Fields(fields))}
}

func (e entry) WithError(err error) Logger {
	return entry{e.Entry.WithError(err)}
}

func (e entry) LogrusEntry() *logrus.Entry {
	return e.Entry
}

// FromEntry wraps a logrus entry as a Logger.
func FromEntry(e *logrus.Entry) Logger {
	return entry{e}
}

// WithLogger returns a copy of ctx carrying l.
func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// GetLogger returns the logger carried by ctx, falling back to the standard
// logrus logger.
func GetLogger(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok && l != nil {
		return l
	}
	return entry{logrus.NewEntry(logrus.StandardLogger())}
}
