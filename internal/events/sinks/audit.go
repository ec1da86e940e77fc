// Package sinks contains the event sink implementations wired behind the hub.
package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/applypilot/applypilot/internal/engine"
	"github.com/applypilot/applypilot/internal/events"
)

// AuditSink persists lifecycle events as audit log entries.
type AuditSink struct {
	store  engine.Store
	idGen  engine.IDGenerator
	logger *zap.Logger
}

// NewAuditSink constructs an AuditSink.
func NewAuditSink(store engine.Store, idGen engine.IDGenerator, logger *zap.Logger) *AuditSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditSink{store: store, idGen: idGen, logger: logger}
}

// Consume appends one audit entry per event. A failed append aborts the
// batch; the hub logs and moves on, so audit writes are best effort.
func (s *AuditSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	for _, evt := range batch {
		entry := engine.AuditLogEntry{
			UserID:    evt.UserID,
			JobID:     evt.JobID,
			Status:    evt.Status,
			Message:   evt.Message,
			CreatedAt: evt.TS,
		}
		if id, err := s.idGen.NewID(); err == nil {
			entry.ID = id
		}
		if err := s.store.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *AuditSink) Close(context.Context) error {
	return nil
}
