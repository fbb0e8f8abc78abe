package events

import (
	"context"
	"log/slog"
)

type logSink struct {
	logger *slog.Logger
}

// NewLogSink writes events to logger. Failures log at warn, degradation and
// loss at error, everything else at info.
func NewLogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return logSink{logger: logger}
}

func (s logSink) Publish(ctx context.Context, ev Event) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.String("lease_id", ev.LeaseID),
	}
	if ev.Address != "" {
		attrs = append(attrs, slog.String("address", ev.Address))
	}
	if ev.Failures > 0 {
		attrs = append(attrs, slog.Int("failures", ev.Failures))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}

	level := slog.LevelInfo
	switch ev.Kind {
	case KindRenewFailed:
		level = slog.LevelWarn
	case KindDegraded, KindLost:
		level = slog.LevelError
	}
	s.logger.LogAttrs(ctx, level, "lease "+string(ev.Kind), attrs...)
}
