package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/applypilot/applypilot/internal/events"
)

// LogSink emits structured logs for each lifecycle event. Useful during
// development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Info("application event",
			zap.String("user_id", evt.UserID),
			zap.String("job_id", evt.JobID),
			zap.String("job_url", evt.JobURL),
			zap.String("status", evt.Status),
			zap.String("tier", string(evt.Tier)),
			zap.String("message", evt.Message),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
