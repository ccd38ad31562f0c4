package logging

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger is a Logger over a sugared zap logger whose core is gated by a level of its own.
type zapLogger struct {
	*zap.SugaredLogger
	name  string
	level *atomic.Int32
	// outputs is the ungated core shared with every sublogger.
	outputs zapcore.Core
}

func newLogger(name string, level Level, outputs zapcore.Core) *zapLogger {
	l := &zapLogger{name: name, level: atomic.NewInt32(int32(level)), outputs: outputs}
	zl := zap.New(&gatedCore{Core: outputs, level: l.level}, zap.AddCaller())
	if name != "" {
		zl = zl.Named(name)
	}
	l.SugaredLogger = zl.Sugar()
	return l
}

func (l *zapLogger) Sublogger(subname string) Logger {
	name := subname
	if l.name != "" {
		name = l.name + "." + subname
	}
	return newLogger(name, l.GetLevel(), l.outputs)
}

func (l *zapLogger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

func (l *zapLogger) GetLevel() Level {
	return Level(l.level.Load())
}

// gatedCore drops entries below a level that can change while loggers are in use.
type gatedCore struct {
	zapcore.Core
	level *atomic.Int32
}

func (c *gatedCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= Level(c.level.Load()).AsZap() && c.Core.Enabled(lvl)
}

func (c *gatedCore) With(fields []zapcore.Field) zapcore.Core {
	return &gatedCore{Core: c.Core.With(fields), level: c.level}
}

func (c *gatedCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(entry.Level) {
		return checked
	}
	return c.Core.Check(entry, checked)
}
