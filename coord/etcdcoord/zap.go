package etcdcoord

import (
	"context"
	"log/slog"

	"go.uber.org/zap/zapcore"
)

// slogCore forwards the zap logs of the etcd client to a slog.Logger.
// Debug messages are dropped, the client is very chatty at that level.
type slogCore struct {
	logger *slog.Logger
	fields []zapcore.Field
}

func newSlogCore(logger *slog.Logger) zapcore.Core {
	return &slogCore{logger: logger}
}

func (c *slogCore) Enabled(level zapcore.Level) bool {
	return level > zapcore.DebugLevel
}

func (c *slogCore) With(fields []zapcore.Field) zapcore.Core {
	var all = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	all = append(all, c.fields...)
	all = append(all, fields...)
	return &slogCore{logger: c.logger, fields: all}
}

func (c *slogCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *slogCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	var enc = zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	var args = make([]any, 0, 2*len(enc.Fields)+2)
	if entry.LoggerName != "" {
		args = append(args, "logger", entry.LoggerName)
	}
	for key, value := range enc.Fields {
		args = append(args, key, value)
	}

	c.logger.Log(context.Background(), slogLevel(entry.Level), entry.Message, args...)
	return nil
}

func (c *slogCore) Sync() error {
	return nil
}

func slogLevel(level zapcore.Level) slog.Level {
	switch {
	case level <= zapcore.DebugLevel:
		return slog.LevelDebug
	case level == zapcore.InfoLevel:
		return slog.LevelInfo
	case level == zapcore.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
