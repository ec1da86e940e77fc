// Package events defines the application lifecycle events emitted by the
// scheduler and worker, and the hub that fans them out to sinks.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/applypilot/applypilot/internal/engine"
)

// Event captures one application lifecycle transition.
type Event struct {
	// UserID is the owning account.
	UserID string `json:"user_id"`
	// JobID identifies the queued application, when one exists.
	JobID string `json:"job_id,omitempty"`
	// JobURL is the posting URL the transition refers to.
	JobURL string `json:"job_url,omitempty"`
	// JobTitle is carried for human-readable notifications.
	JobTitle string `json:"job_title,omitempty"`
	// Tier is the account tier at transition time.
	Tier engine.Tier `json:"tier,omitempty"`
	// Status is one of the audit labels (Applied, Skipped, Failed, Standby,
	// Reactivated, Discovered).
	Status string `json:"status"`
	// Message is the human-readable explanation shown in the activity feed.
	Message string `json:"message,omitempty"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.UserID == "" {
		return errors.New("user id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Status {
	case engine.AuditApplied, engine.AuditSkipped, engine.AuditFailed,
		engine.AuditStandby, engine.AuditReactivated, engine.AuditDiscovered:
		return nil
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
}

// Terminal reports whether the event ends an application's lifecycle and
// should reach external subscribers.
func (e Event) Terminal() bool {
	switch e.Status {
	case engine.AuditApplied, engine.AuditSkipped, engine.AuditFailed:
		return true
	default:
		return false
	}
}
