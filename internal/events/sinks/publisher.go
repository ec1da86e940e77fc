package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/applypilot/applypilot/internal/engine"
	"github.com/applypilot/applypilot/internal/events"
)

// PublisherSink forwards terminal events to an external publisher so
// downstream consumers (notifications, analytics) learn about submissions.
type PublisherSink struct {
	publisher engine.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink constructs a PublisherSink for the given topic.
func NewPublisherSink(publisher engine.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes each terminal event. Individual publish failures are
// logged and skipped; a notification outage must not stall the hub.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			s.logger.Warn("publish application event failed",
				zap.String("user_id", evt.UserID),
				zap.String("status", evt.Status),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
