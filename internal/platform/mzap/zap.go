// Package mzap wraps otelzap so every log line emitted from a traced context
// carries the active trace/span id, matching the teacher's mzap package.
package mzap

import (
	"github.com/hustlexp/escrow-kernel/internal/platform/mlog"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// TraceLogger wraps an otelzap.SugaredLogger behind the mlog.Logger contract.
type TraceLogger struct {
	Logger *otelzap.SugaredLogger
}

// NewTraceLogger builds a TraceLogger from a configured *zap.Logger.
func NewTraceLogger(base *zap.Logger) *TraceLogger {
	return &TraceLogger{Logger: otelzap.New(base).Sugar()}
}

func (l *TraceLogger) Info(args ...any)                  { l.Logger.Info(args...) }
func (l *TraceLogger) Infof(format string, args ...any)  { l.Logger.Infof(format, args...) }
func (l *TraceLogger) Error(args ...any)                 { l.Logger.Error(args...) }
func (l *TraceLogger) Errorf(format string, args ...any) { l.Logger.Errorf(format, args...) }
func (l *TraceLogger) Warn(args ...any)                  { l.Logger.Warn(args...) }
func (l *TraceLogger) Warnf(format string, args ...any)  { l.Logger.Warnf(format, args...) }
func (l *TraceLogger) Debug(args ...any)                 { l.Logger.Debug(args...) }
func (l *TraceLogger) Debugf(format string, args ...any) { l.Logger.Debugf(format, args...) }
func (l *TraceLogger) Sync() error                       { return l.Logger.Sync() }

// WithFields adds structured context to the logger, returning a new logger
// and leaving the original unchanged.
//
//nolint:ireturn
func (l *TraceLogger) WithFields(fields ...any) mlog.Logger {
	return &TraceLogger{Logger: l.Logger.With(fields...)}
}
