package sinks

import (
	"context"

	"github.com/applypilot/applypilot/internal/engine"
	"github.com/applypilot/applypilot/internal/events"
	"github.com/applypilot/applypilot/internal/telemetry"
)

// MetricsSink feeds lifecycle transitions into the Prometheus counters.
type MetricsSink struct{}

// NewMetricsSink constructs a MetricsSink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Consume counts terminal transitions and quota exhaustions.
func (s *MetricsSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if evt.Terminal() {
			telemetry.ObserveApplication(evt.Status)
		}
		if evt.Status == engine.AuditStandby {
			telemetry.ObserveQuotaExhausted(string(evt.Tier))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *MetricsSink) Close(context.Context) error {
	return nil
}
