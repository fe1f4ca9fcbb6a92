package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kubeinquest/kubeinquest/internal/bus"
)

// WithBus attaches a core that mirrors every enabled log record onto the
// event bus logs topic. This is the only path by which operator-visible
// activity reaches /stream/logs, so components simply log through zap and
// do not publish LogEvents by hand.
//
// The bus itself must keep logging through the pre-attach logger, otherwise
// its backpressure warnings would be published twice.
func WithBus(logger *zap.Logger, b *bus.Bus, min zapcore.Level) *zap.Logger {
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, &busCore{LevelEnabler: min, bus: b})
	}))
}

type busCore struct {
	zapcore.LevelEnabler
	bus    *bus.Bus
	fields []zapcore.Field
}

var _ zapcore.Core = (*busCore)(nil)

func (c *busCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &busCore{LevelEnabler: c.LevelEnabler, bus: c.bus}
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *busCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *busCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	detail := enc.Fields
	if len(detail) == 0 {
		detail = nil
	}

	source := ent.LoggerName
	if source == "" {
		source = "core"
	}

	c.bus.Publish(bus.TopicLogs, bus.LogEvent{
		Timestamp: ent.Time,
		SourceID:  source,
		Level:     levelName(ent.Level),
		Message:   ent.Message,
		Detail:    detail,
	})
	return nil
}

func (c *busCore) Sync() error { return nil }

func levelName(l zapcore.Level) string {
	switch l {
	case zapcore.DebugLevel:
		return "debug"
	case zapcore.InfoLevel:
		return "info"
	case zapcore.WarnLevel:
		return "warn"
	default:
		return "error"
	}
}
