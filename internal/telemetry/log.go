package telemetry

import (
	"context"
	"log/slog"
)

// LogSink writes events through a slog.Logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger, or to slog.Default() when
// logger is nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, ev Event) {
	msg := ev.Message
	if msg == "" {
		msg = ev.Name
	}
	attrs := make([]slog.Attr, 0, len(ev.Attrs)+3)
	attrs = append(attrs, slog.String("event", ev.Name))
	if ev.Component != "" {
		attrs = append(attrs, slog.String("component", ev.Component))
	}
	if ev.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", ev.Duration))
	}
	attrs = append(attrs, ev.Attrs...)
	s.logger.LogAttrs(ctx, ev.Level, msg, attrs...)
}
