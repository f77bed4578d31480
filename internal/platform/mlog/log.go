// Package mlog defines the logging contract shared by every component of the
// kernel. Concrete implementations (zap, a no-op) live in sibling packages;
// callers only ever depend on this interface and on the context helpers
// below, never on a specific logging library.
package mlog

import (
	"context"
	"log"
)

// Logger is the common interface for log implementations used across the kernel.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	// WithFields returns a new Logger carrying additional structured
	// key/value context. It never mutates the receiver.
	WithFields(fields ...any) Logger

	Sync() error
}

// NoneLogger is a no-op Logger, returned when no logger was injected into context.
type NoneLogger struct{}

func (l *NoneLogger) Info(args ...any)                  {}
func (l *NoneLogger) Infof(format string, args ...any)  {}
func (l *NoneLogger) Error(args ...any)                 {}
func (l *NoneLogger) Errorf(format string, args ...any) {}
func (l *NoneLogger) Warn(args ...any)                  {}
func (l *NoneLogger) Warnf(format string, args ...any)  {}
func (l *NoneLogger) Debug(args ...any)                 {}
func (l *NoneLogger) Debugf(format string, args ...any) {}
func (l *NoneLogger) Sync() error                       { return nil }

//nolint:ireturn
func (l *NoneLogger) WithFields(fields ...any) Logger { return l }

// GoLogger is the stdlib-backed fallback implementation, used by tests and
// by any entrypoint that hasn't wired zap yet.
type GoLogger struct {
	fields []any
}

func (l *GoLogger) Info(args ...any)  { log.Print(args...) }
func (l *GoLogger) Infof(f string, a ...any) { log.Printf(f, a...) }
func (l *GoLogger) Error(args ...any) { log.Print(args...) }
func (l *GoLogger) Errorf(f string, a ...any) { log.Printf(f, a...) }
func (l *GoLogger) Warn(args ...any)  { log.Print(args...) }
func (l *GoLogger) Warnf(f string, a ...any) { log.Printf(f, a...) }
func (l *GoLogger) Debug(args ...any) { log.Print(args...) }
func (l *GoLogger) Debugf(f string, a ...any) { log.Printf(f, a...) }
func (l *GoLogger) Sync() error       { return nil }

//nolint:ireturn
func (l *GoLogger) WithFields(fields ...any) Logger {
	return &GoLogger{fields: append(append([]any{}, l.fields...), fields...)}
}

type loggerContextKey string

const loggerKey = loggerContextKey("logger")

// ContextWithLogger returns a context carrying the given Logger.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// NewLoggerFromContext extracts the Logger previously stored with
// ContextWithLogger, falling back to a NoneLogger when none was injected.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok && logger != nil {
		return logger
	}

	return &NoneLogger{}
}
