// Package sinks provides Sink implementations for the event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/crawlkit/crawld/internal/eventlog"
)

// LogSink mirrors the event stream into structured zap output so operators
// can tail the engine without the dashboard.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []eventlog.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Uint64("seq", evt.Seq),
			zap.String("source", evt.Source),
		}
		if evt.PluginID != "" {
			fields = append(fields, zap.String("plugin_id", evt.PluginID))
		}
		if evt.JobID != "" {
			fields = append(fields, zap.String("job_id", evt.JobID))
		}
		for k, v := range evt.Detail {
			fields = append(fields, zap.String(k, v))
		}
		s.logger.Log(zapLevel(evt.Level), evt.Message, fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func zapLevel(level eventlog.Level) zapcore.Level {
	switch level {
	case eventlog.LevelDebug:
		return zapcore.DebugLevel
	case eventlog.LevelWarn:
		return zapcore.WarnLevel
	case eventlog.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
