package engine

import (
	"context"
	"time"
)

// Store is the abstract transactional store consumed by the scheduler and
// worker. No assumption is made about the underlying engine beyond
// read-your-writes consistency per call.
type Store interface {
	GetUser(ctx context.Context, userID string) (User, error)
	GetUserProfile(ctx context.Context, userID string) (UserProfile, error)

	GetQueuedJobsForUser(ctx context.Context, userID string, statuses ...ApplicationStatus) ([]QueuedApplication, error)
	EnqueueJobs(ctx context.Context, items []QueuedApplication) error
	UpdateQueuedJob(ctx context.Context, item QueuedApplication) error
	// NextQueuedJobs returns up to limit queued items ordered by tier-derived
	// priority descending, then age ascending.
	NextQueuedJobs(ctx context.Context, limit int) ([]QueuedApplication, error)
	// ListStandbyUsers returns the IDs of users holding at least one standby item.
	ListStandbyUsers(ctx context.Context) ([]string, error)
	CountQueuedByStatus(ctx context.Context, userID string) (map[ApplicationStatus]int, error)
	// GetJobsAppliedToday counts submitted applications with a processed
	// timestamp on or after since.
	GetJobsAppliedToday(ctx context.Context, userID string, since time.Time) (int, error)

	// AddJobLinks inserts discovered links, skipping any whose external ID is
	// already present for the user. Returns the number actually inserted.
	AddJobLinks(ctx context.Context, links []LinkQueueItem) (int, error)
	GetNextJobLinksToProcess(ctx context.Context, userID string, limit int) ([]LinkQueueItem, error)
	// ListUsersWithPendingLinks returns the IDs of users holding at least one
	// pending link, for the worker's link-processing pass.
	ListUsersWithPendingLinks(ctx context.Context) ([]string, error)
	MarkJobLinkAsProcessed(ctx context.Context, linkID string) error
	UpdateJobLink(ctx context.Context, link LinkQueueItem) error

	AppendAudit(ctx context.Context, entry AuditLogEntry) error
	ListAudit(ctx context.Context, userID string, limit int) ([]AuditLogEntry, error)
}

// BoardClient fetches board search pages and posting detail. Implementations
// own HTML parsing; the scheduler only sees extracted links and normalized
// postings.
type BoardClient interface {
	FetchSearchPage(ctx context.Context, url string) (SearchPage, error)
	FetchPosting(ctx context.Context, url string) (JobPosting, error)
}

// AutomationClient talks to the external browser-automation worker.
type AutomationClient interface {
	// Scrape starts an infinite-scroll discovery run and streams link batches
	// until a batch with Done or Err set.
	Scrape(ctx context.Context, url string, scroll bool, maxScrolls int) (<-chan LinkBatch, error)
	Introspect(ctx context.Context, applyURL string) ([]FormField, error)
	Submit(ctx context.Context, applyURL string, formData map[string]string) (SubmitResult, error)
	Status(ctx context.Context) (AutomationStatus, error)
}

// Scorer ranks job fit on a 0-100 scale with human-readable reasons. The
// scoring mechanism is opaque to this engine.
type Scorer interface {
	Score(ctx context.Context, profile UserProfile, posting JobPosting) (int, []string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal application events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for snapshot content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs and continuation tokens (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
