package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout the unwind core.
// The processor, the symbolizer, and the stackwalk dispatcher each
// take one of these (a Walker gets its Log field from the dispatcher)
// rather than reaching for
// package-level state, so a caller embedding this module in a larger
// service can route all of its output through its own logging
// pipeline.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Fields wraps structured fields attached to a Logger.
type Fields map[string]interface{}

// Factory builds a Logger for a named component (e.g. "processor",
// "symbolizer", "stackwalk.arm64"). The verbose flag selects
// debug-level output; out may be nil to use the factory's default
// writer.
type Factory func(component string, verbose bool, out io.Writer) Logger

var factory Factory = defaultFactory

// SetFactory overrides how every Logger returned by New is
// constructed. Intended for tests that want to capture output into a
// buffer, or for embedders that want to route through their own
// logging stack.
func SetFactory(f Factory) {
	if f == nil {
		f = defaultFactory
	}
	factory = f
}

// New returns a Logger for the given component.
func New(component string, verbose bool) Logger {
	return factory(component, verbose, nil)
}

// NewTo returns a Logger for the given component that writes to out.
func NewTo(component string, verbose bool, out io.Writer) Logger {
	return factory(component, verbose, out)
}

func defaultFactory(component string, verbose bool, out io.Writer) Logger {
	l := logrus.New()
	if out != nil {
		l.SetOutput(out)
	}
	l.SetLevel(logrus.InfoLevel)
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	entry := l.WithField("component", component)
	return &logrusLogger{entry}
}

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.Entry.WithError(err)}
}
