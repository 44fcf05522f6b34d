// Package diag provides the structured logging handle threaded through
// every component of the introspection engine, in place of a package-level
// logger.
package diag

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger. It is passed by value through constructors
// the way golang.org/x/debug/internal/core threads a *Process handle:
// components take a Logger field, they never reach for a global.
type Logger struct {
	zl zerolog.Logger
}

// New builds a Logger writing to w at the given verbosity. verbosity 0 is
// Info, 1 is Debug, 2+ is Trace, matching the CLI's -v/-vv flag.
func New(w io.Writer, verbosity int) Logger {
	level := zerolog.InfoLevel
	switch {
	case verbosity >= 2:
		level = zerolog.TraceLevel
	case verbosity == 1:
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return Logger{zl: zl}
}

// Discard is a Logger that drops everything, used by constructors that
// don't take an explicit logger (e.g. in tests).
func Discard() Logger {
	return Logger{zl: zerolog.Nop()}
}

func (l Logger) With(key string, value interface{}) Logger {
	return Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l Logger) Debug(msg string, kv ...interface{}) { l.event(l.zl.Debug(), msg, kv) }
func (l Logger) Info(msg string, kv ...interface{})  { l.event(l.zl.Info(), msg, kv) }
func (l Logger) Warn(msg string, kv ...interface{})  { l.event(l.zl.Warn(), msg, kv) }
func (l Logger) Trace(msg string, kv ...interface{}) { l.event(l.zl.Trace(), msg, kv) }

func (l Logger) event(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}

// Default is a convenience Logger writing Info+ to stderr, used by
// constructors that aren't given an explicit one.
var Default = New(os.Stderr, 0)
