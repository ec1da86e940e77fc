// Package engine defines core types shared across subsystems.
package engine

import (
	"time"
)

// Tier represents a subscription level. It determines the daily application
// quota and the pacing delay between submissions.
type Tier string

// Subscription tiers ordered from lowest to highest.
const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierElite   Tier = "elite"
)

// Priority returns the batch-ordering weight for the tier; higher sorts first.
func (t Tier) Priority() int {
	switch t {
	case TierElite:
		return 4
	case TierPro:
		return 3
	case TierStarter:
		return 2
	case TierFree:
		return 1
	default:
		return 0
	}
}

// WorkMode is the board's fixed work-arrangement filter enum.
type WorkMode string

// Work mode values accepted by the board's search API.
const (
	WorkModeOnsite WorkMode = "onsite"
	WorkModeRemote WorkMode = "remote"
	WorkModeHybrid WorkMode = "hybrid"
)

// User is the owning account for discovered postings and queued applications.
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Tier             Tier      `json:"tier"`
	AutoApplyEnabled bool      `json:"auto_apply_enabled"`
	CreatedAt        time.Time `json:"created_at"`
}

// UserProfile carries the search preferences used to build board queries.
// RoleTitles/Locations/WorkModes are the structured preference lists; the
// Legacy fields are the older single-value columns still present for accounts
// that predate the structured form.
type UserProfile struct {
	UserID           string     `json:"user_id"`
	RoleTitles       []string   `json:"role_titles"`
	Locations        []string   `json:"locations"`
	WorkModes        []WorkMode `json:"work_modes"`
	ExperienceLevels []string   `json:"experience_levels"`
	LegacyRole       string     `json:"legacy_role,omitempty"`
	LegacyLocation   string     `json:"legacy_location,omitempty"`
	LegacyWorkMode   WorkMode   `json:"legacy_work_mode,omitempty"`
}

// JobPosting is a normalized posting returned by the detail fetch step.
type JobPosting struct {
	ExternalID   string    `json:"external_id"`
	URL          string    `json:"url"`
	ApplyURL     string    `json:"apply_url,omitempty"`
	Title        string    `json:"title"`
	Company      string    `json:"company"`
	Location     string    `json:"location"`
	Description  string    `json:"description"`
	MatchScore   int       `json:"match_score"`
	MatchReasons []string  `json:"match_reasons,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// LinkStatus represents the lifecycle state of a discovered posting link.
type LinkStatus string

// Link status values persisted in the link queue.
const (
	LinkStatusPending    LinkStatus = "pending"
	LinkStatusProcessing LinkStatus = "processing"
	LinkStatusCompleted  LinkStatus = "completed"
	LinkStatusFailed     LinkStatus = "failed"
)

// LinkQueueItem is a durable record of a discovered posting link. Items are
// never deleted, only status-transitioned, so the link queue doubles as the
// discovery audit trail.
type LinkQueueItem struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Source     string     `json:"source"`
	URL        string     `json:"url"`
	ExternalID string     `json:"external_id"`
	Priority   float64    `json:"priority"`
	Status     LinkStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ApplicationStatus represents the lifecycle state of a queued application.
type ApplicationStatus string

// Application status values. Completed, failed and skipped are terminal;
// standby means the owner's daily quota was exhausted at transition time.
const (
	ApplicationQueued     ApplicationStatus = "queued"
	ApplicationProcessing ApplicationStatus = "processing"
	ApplicationStandby    ApplicationStatus = "standby"
	ApplicationCompleted  ApplicationStatus = "completed"
	ApplicationFailed     ApplicationStatus = "failed"
	ApplicationSkipped    ApplicationStatus = "skipped"
)

// IsTerminal reports whether the status ends the application lifecycle.
func (s ApplicationStatus) IsTerminal() bool {
	switch s {
	case ApplicationCompleted, ApplicationFailed, ApplicationSkipped:
		return true
	default:
		return false
	}
}

// QueuedApplication is a durable application-queue entry for one posting.
type QueuedApplication struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	JobID       string            `json:"job_id"`
	JobURL      string            `json:"job_url"`
	JobTitle    string            `json:"job_title"`
	Status      ApplicationStatus `json:"status"`
	Priority    int               `json:"priority"`
	Attempts    int               `json:"attempts"`
	ErrorText   string            `json:"error_text,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

// AuditLogEntry is an append-only record of a scheduler or worker transition.
type AuditLogEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	JobID     string    `json:"job_id,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit status labels written for lifecycle transitions.
const (
	AuditApplied     = "Applied"
	AuditSkipped     = "Skipped"
	AuditFailed      = "Failed"
	AuditStandby     = "Standby"
	AuditReactivated = "Reactivated"
	AuditDiscovered  = "Discovered"
)

// FormField describes one field of an application form as reported by the
// automation worker's introspection endpoint.
type FormField struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Label    string   `json:"label"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// SubmitOutcome is the automation worker's verdict for one submission.
type SubmitOutcome string

// Submission outcomes. Processing means the worker accepted the job for
// asynchronous completion and will report the result out-of-band; it counts
// against the quota but is not terminal.
const (
	SubmitSuccess    SubmitOutcome = "success"
	SubmitProcessing SubmitOutcome = "processing"
	SubmitSkipped    SubmitOutcome = "skipped"
	SubmitError      SubmitOutcome = "error"
)

// SubmitResult wraps the outcome with an optional worker-provided message.
type SubmitResult struct {
	Outcome SubmitOutcome `json:"outcome"`
	Message string        `json:"message,omitempty"`
}

// SearchPage is a fetched board results page with its extracted posting links.
// Link extraction itself is opaque to the scheduler; duplicates within the
// page are allowed.
type SearchPage struct {
	URL        string
	StatusCode int
	Links      []string
	Duration   time.Duration
}

// LinkBatch is one element of the automation worker's streamed scrape
// response. Done marks the completion marker; Err carries the error marker.
type LinkBatch struct {
	Links []string
	Done  bool
	Err   error
}

// AutomationStatus reports the automation worker's idleness and the outcome
// of its most recent job, used as a last-resort signal after a submission
// request times out.
type AutomationStatus struct {
	Idle        bool          `json:"idle"`
	LastJobURL  string        `json:"last_job_url,omitempty"`
	LastOutcome SubmitOutcome `json:"last_outcome,omitempty"`
}
