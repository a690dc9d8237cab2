package logger

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionLoggerFactory routes pion's internal logging into zap.
type PionLoggerFactory struct {
	base *zap.SugaredLogger
}

var _ logging.LoggerFactory = (*PionLoggerFactory)(nil)

func NewPionLoggerFactory(base *zap.Logger) *PionLoggerFactory {
	// pion logs from deep inside the stack; caller info would point at this file.
	return &PionLoggerFactory{base: base.WithOptions(zap.WithCaller(false)).Sugar()}
}

func (f *PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.base.With("pion_scope", scope)}
}

type pionLogger struct {
	log *zap.SugaredLogger
}

// zap has no trace level, trace maps to debug.
func (l *pionLogger) Trace(msg string)                          { l.log.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.log.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.log.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.log.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.log.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.log.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.log.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.log.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }
